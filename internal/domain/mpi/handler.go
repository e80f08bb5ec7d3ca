package mpi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/internal/platform/middleware"
	"github.com/ehr/mpi/internal/platform/validate"
)

type Handler struct {
	svc      *Service
	cache    middleware.CacheStore
	cacheTTL time.Duration
}

// NewHandler creates the duplicate detection and merge handler. Detection
// reports are cached in cache for cacheTTL and dropped after every merge.
func NewHandler(svc *Service, cache middleware.CacheStore, cacheTTL time.Duration) *Handler {
	return &Handler{svc: svc, cache: cache, cacheTTL: cacheTTL}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, registrar, physician
	readGroup := api.Group("", auth.RequireRole("admin", "registrar", "physician"))
	readGroup.GET("/patients/duplicates", h.ListDuplicates, middleware.RequestHashCache(h.cache, h.cacheTTL))
	readGroup.GET("/patients/:id/score/:other", h.ScorePair)

	// Merge endpoints – admin, registrar
	writeGroup := api.Group("", auth.RequireRole("admin", "registrar"))
	writeGroup.POST("/patients/merge", h.MergePatients)
	writeGroup.POST("/patients/merge/preview", h.PreviewMerge)
}

type duplicatesQuery struct {
	Search     string `query:"search" json:"search" validate:"max=100"`
	Identifier string `query:"identifier" json:"identifier" validate:"max=64"`
	LastName   string `query:"last_name" json:"last_name" validate:"max=100"`
	BirthDate  string `query:"birth_date" json:"birth_date" validate:"omitempty,isodate"`
	Limit      int    `query:"limit" json:"limit" validate:"gte=0,lte=10000"`
	Threshold  string `query:"threshold" json:"threshold" validate:"omitempty,numeric"`
	Exact      string `query:"exact" json:"exact" validate:"omitempty,boolean"`
	Order      string `query:"order" json:"order" validate:"omitempty,oneof=score group"`
}

// DuplicatesResponse is the body of GET /patients/duplicates.
type DuplicatesResponse struct {
	Groups    []DuplicateGroup `json:"groups"`
	Total     int              `json:"total"`
	Threshold float64          `json:"threshold"`
	Ranking   RankOrder        `json:"ranking"`
}

func (h *Handler) ListDuplicates(c echo.Context) error {
	var q duplicatesQuery
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&q); err != nil {
		return validationHTTPError(err)
	}

	opts := h.svc.Options()
	if q.Threshold != "" {
		t, err := strconv.ParseFloat(q.Threshold, 64)
		if err != nil || t < 0 || t > MaxScore {
			return echo.NewHTTPError(http.StatusBadRequest, "threshold must be a number between 0 and 100")
		}
		opts.Threshold = t
	}
	if q.Exact != "" {
		exact, _ := strconv.ParseBool(q.Exact)
		opts.ExactIdentifierOnly = exact
	}
	if q.Order != "" {
		opts.Ranking = RankOrder(q.Order)
	}

	filter := Filter{
		Search:     q.Search,
		Identifier: q.Identifier,
		LastName:   q.LastName,
		BirthDate:  q.BirthDate,
		Limit:      q.Limit,
	}
	groups, err := h.svc.DetectDuplicatesWithOptions(c.Request().Context(), filter, opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, DuplicatesResponse{
		Groups:    groups,
		Total:     len(groups),
		Threshold: opts.EffectiveThreshold(),
		Ranking:   opts.Ranking,
	})
}

func (h *Handler) ScorePair(c echo.Context) error {
	a, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := uuid.Parse(c.Param("other"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid other id")
	}
	report, err := h.svc.ScorePair(c.Request().Context(), a, b)
	if err != nil {
		return mergeHTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}

type mergePayload struct {
	MasterID string   `json:"master_id" validate:"required,uuid"`
	MergeIDs []string `json:"merge_ids" validate:"required,min=1,unique,dive,required,uuid"`
}

func (p mergePayload) request() MergeRequest {
	req := MergeRequest{
		MasterID:     uuid.MustParse(p.MasterID),
		DuplicateIDs: make([]uuid.UUID, len(p.MergeIDs)),
	}
	for i, id := range p.MergeIDs {
		req.DuplicateIDs[i] = uuid.MustParse(id)
	}
	return req
}

func (h *Handler) bindMerge(c echo.Context) (MergeRequest, error) {
	var p mergePayload
	if err := c.Bind(&p); err != nil {
		return MergeRequest{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&p); err != nil {
		return MergeRequest{}, validationHTTPError(err)
	}
	c.Set(middleware.AuditPatientsKey, append([]string{p.MasterID}, p.MergeIDs...))
	return p.request(), nil
}

func (h *Handler) MergePatients(c echo.Context) error {
	req, err := h.bindMerge(c)
	if err != nil {
		return err
	}
	result, err := h.svc.MergePatients(c.Request().Context(), req.MasterID, req.DuplicateIDs)
	if err != nil {
		return mergeHTTPError(err)
	}
	h.cache.Clear()
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) PreviewMerge(c echo.Context) error {
	req, err := h.bindMerge(c)
	if err != nil {
		return err
	}
	result, err := h.svc.PreviewMerge(c.Request().Context(), req.MasterID, req.DuplicateIDs)
	if err != nil {
		return mergeHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
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

// mergeHTTPError maps the merge error taxonomy onto HTTP status codes.
func mergeHTTPError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		if verr.NotFound {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
