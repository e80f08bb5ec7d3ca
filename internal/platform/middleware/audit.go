package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/auth"
)

// AuditPatientsKey is the echo context key under which handlers list the
// patient ids an operation touched, when they are not in the URL.
const AuditPatientsKey = "audit_patient_ids"

// AuditEntry records who did what to which patients.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Action     string
	PatientIDs []string
	Method     string
	Path       string
	Route      string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries. Without one the middleware only logs.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every patient-data request under /api/v1/. Merges are logged at
// warn level since they delete patient records.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Method:     req.Method,
				Path:       req.URL.Path,
				Route:      c.Path(),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}
			entry.TenantID, _ = c.Get("tenant_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Action = auditAction(req.Method, entry.Route)
			entry.PatientIDs = auditPatients(c)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Action == "merge" {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Strs("patient_ids", entry.PatientIDs).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("patient_access")

			return err
		}
	}
}

// auditAction names the operation behind a route.
func auditAction(method, route string) string {
	switch {
	case strings.HasSuffix(route, "/merge/preview"):
		return "merge-preview"
	case strings.HasSuffix(route, "/merge"):
		return "merge"
	case strings.HasSuffix(route, "/duplicates"):
		return "detect"
	case strings.Contains(route, "/score/"):
		return "score"
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// auditPatients collects patient ids from path params of patient routes and
// from handlers that set AuditPatientsKey.
func auditPatients(c echo.Context) []string {
	var ids []string
	if !strings.Contains(c.Path(), "/patients/") {
		if extra, ok := c.Get(AuditPatientsKey).([]string); ok {
			return extra
		}
		return nil
	}
	for _, name := range c.ParamNames() {
		if name == "id" || name == "other" {
			if v := c.Param(name); v != "" {
				ids = append(ids, v)
			}
		}
	}
	if extra, ok := c.Get(AuditPatientsKey).([]string); ok {
		ids = append(ids, extra...)
	}
	return ids
}
