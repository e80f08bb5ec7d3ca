package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/internal/platform/middleware"
	"github.com/ehr/mpi/internal/platform/validate"
	"github.com/ehr/mpi/pkg/pagination"
)

// Handler serves patient and practitioner CRUD. reports holds cached
// duplicate reports and is cleared after every successful patient write.
type Handler struct {
	svc     *Service
	reports middleware.CacheStore
}

func NewHandler(svc *Service, reports middleware.CacheStore) *Handler {
	return &Handler{svc: svc, reports: reports}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, registrar, physician
	readGroup := api.Group("", auth.RequireRole("admin", "registrar", "physician"))
	readGroup.GET("/patients", h.ListPatients)
	readGroup.GET("/patients/metrics", h.PatientMetrics)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/practitioners", h.ListPractitioners)
	readGroup.GET("/practitioners/:id", h.GetPractitioner)
	readGroup.GET("/practitioners/:id/roles", h.GetPractitionerRoles)

	// Write endpoints – admin, registrar
	writeGroup := api.Group("", auth.RequireRole("admin", "registrar"))
	writeGroup.POST("/patients", h.CreatePatient)
	writeGroup.PUT("/patients/:id", h.UpdatePatient)
	writeGroup.DELETE("/patients/:id", h.DeletePatient)
	writeGroup.POST("/practitioners", h.CreatePractitioner)
	writeGroup.PUT("/practitioners/:id", h.UpdatePractitioner)
	writeGroup.DELETE("/practitioners/:id", h.DeletePractitioner)
	writeGroup.POST("/practitioners/:id/roles", h.AddPractitionerRole)
	writeGroup.DELETE("/practitioners/:id/roles/:role_id", h.RemovePractitionerRole)
}

func (h *Handler) patientsChanged() {
	if h.reports != nil {
		h.reports.Clear()
	}
}

func (h *Handler) bindPatient(c echo.Context) (*Patient, error) {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&in); err != nil {
		return nil, validationHTTPError(err)
	}
	p, err := in.Patient()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return p, nil
}

// CreatePatient answers 409 with the existing record when the patient is
// already registered under the same name and birth date.
func (h *Handler) CreatePatient(c echo.Context) error {
	p, err := h.bindPatient(c)
	if err != nil {
		return err
	}
	if err := h.svc.CreatePatient(c.Request().Context(), p); err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"message":  dup.Error(),
				"existing": dup.Existing,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.patientsChanged()
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return patientHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	var params SearchParams
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&params); err != nil {
		return validationHTTPError(err)
	}
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.SearchPatients(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(patients, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams(), pg)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.bindPatient(c)
	if err != nil {
		return err
	}
	p.ID = id
	if err := h.svc.UpdatePatient(c.Request().Context(), p); err != nil {
		return patientHTTPError(err)
	}
	h.patientsChanged()
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeletePatient(c.Request().Context(), id); err != nil {
		return patientHTTPError(err)
	}
	h.patientsChanged()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PatientMetrics(c echo.Context) error {
	m, err := h.svc.PatientMetrics(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

// -- Practitioner Handlers --

func (h *Handler) CreatePractitioner(c echo.Context) error {
	var in PractitionerInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	p := in.Practitioner()
	if err := h.svc.CreatePractitioner(c.Request().Context(), p); err != nil {
		return practitionerHTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPractitioner(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPractitioner(c.Request().Context(), id)
	if err != nil {
		return practitionerHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPractitioners(c echo.Context) error {
	var params PractitionerSearchParams
	if err := bindValid(c, &params); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchPractitioners(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams(), pg)
	return c.JSON(http.StatusOK, resp)
}

// UpdatePractitioner replaces the practitioner's fields. Active is kept when
// the body omits it.
func (h *Handler) UpdatePractitioner(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in PractitionerInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.svc.GetPractitioner(ctx, id)
	if err != nil {
		return practitionerHTTPError(err)
	}
	in.ApplyTo(p)
	if err := h.svc.UpdatePractitioner(ctx, p); err != nil {
		return practitionerHTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// DeletePractitioner deactivates the practitioner instead of removing it.
func (h *Handler) DeletePractitioner(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeactivatePractitioner(c.Request().Context(), id); err != nil {
		return practitionerHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddPractitionerRole(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in PractitionerRoleInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	role := in.Role(id)
	if err := h.svc.AddPractitionerRole(c.Request().Context(), role); err != nil {
		return practitionerHTTPError(err)
	}
	return c.JSON(http.StatusCreated, role)
}

func (h *Handler) GetPractitionerRoles(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	roles, err := h.svc.GetPractitionerRoles(c.Request().Context(), id)
	if err != nil {
		return practitionerHTTPError(err)
	}
	return c.JSON(http.StatusOK, roles)
}

func (h *Handler) RemovePractitionerRole(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	roleID, err := uuid.Parse(c.Param("role_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role id")
	}
	if err := h.svc.RemovePractitionerRole(c.Request().Context(), id, roleID); err != nil {
		return practitionerHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func bindValid(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(dst); err != nil {
		return validationHTTPError(err)
	}
	return nil
}

func patientHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrHasRelations):
		return echo.NewHTTPError(http.StatusConflict, "patient has clinical records; merge it instead of deleting")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func practitionerHTTPError(err error) error {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, conflict.Error())
	case errors.Is(err, ErrPractitionerNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "practitioner not found")
	case errors.Is(err, ErrRoleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "practitioner role not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func validationHTTPError(err error) error {
	var fields validate.Errors
	if errors.As(err, &fields) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": "validation failed",
			"errors":  fields,
		})
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
