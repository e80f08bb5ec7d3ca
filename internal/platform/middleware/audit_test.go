package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/mpi/internal/platform/auth"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// serveAudited routes a request through echo so c.Path and params are set.
func serveAudited(t *testing.T, rec AuditRecorder, logger zerolog.Logger, method, route, target string, h echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, "reg-1")
			ctx = context.WithValue(ctx, auth.UserRolesKey, []string{"registrar"})
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", "acme")
			c.Set("request_id", "req-9")
			return next(c)
		}
	})
	e.Use(Audit(logger, rec))
	e.Add(method, route, h)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestAudit_ScoreRoute(t *testing.T) {
	a, b := uuid.NewString(), uuid.NewString()
	rec := &mockRecorder{}
	serveAudited(t, rec, zerolog.Nop(), http.MethodGet, "/api/v1/patients/:id/score/:other",
		"/api/v1/patients/"+a+"/score/"+b, okHandler)

	require.Equal(t, 1, rec.count())
	got := rec.entries[0]
	assert.Equal(t, "score", got.Action)
	assert.Equal(t, []string{a, b}, got.PatientIDs)
	assert.Equal(t, "reg-1", got.UserID)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "req-9", got.RequestID)
	assert.Equal(t, http.StatusOK, got.StatusCode)
}

func TestAudit_MergeUsesHandlerPatients(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{}
	serveAudited(t, rec, zerolog.New(&buf), http.MethodPost, "/api/v1/patients/merge", "/api/v1/patients/merge",
		func(c echo.Context) error {
			c.Set(AuditPatientsKey, []string{"m", "d1"})
			return c.NoContent(http.StatusOK)
		})

	require.Equal(t, 1, rec.count())
	got := rec.entries[0]
	assert.Equal(t, "merge", got.Action)
	assert.Equal(t, []string{"m", "d1"}, got.PatientIDs, "handler supplied ids win")
	assert.Contains(t, buf.String(), `"level":"warn"`, "merges log at warn")
}

func TestAudit_ErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	serveAudited(t, rec, zerolog.Nop(), http.MethodPost, "/api/v1/patients/merge", "/api/v1/patients/merge",
		func(c echo.Context) error {
			return echo.NewHTTPError(http.StatusConflict, "busy")
		})

	require.Equal(t, 1, rec.count())
	assert.Equal(t, http.StatusConflict, rec.entries[0].StatusCode)
}

func TestAudit_PractitionerRouteHasNoPatients(t *testing.T) {
	rec := &mockRecorder{}
	serveAudited(t, rec, zerolog.Nop(), http.MethodGet, "/api/v1/practitioners/:id",
		"/api/v1/practitioners/"+uuid.NewString(), okHandler)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "read", rec.entries[0].Action)
	assert.Empty(t, rec.entries[0].PatientIDs)
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	rec := &mockRecorder{}
	serveAudited(t, rec, zerolog.Nop(), http.MethodGet, "/health", "/health", okHandler)
	assert.Zero(t, rec.count())
}

func TestAudit_RecorderFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{err: errors.New("disk full")}
	w := serveAudited(t, rec, zerolog.New(&buf), http.MethodGet, "/api/v1/patients/duplicates", "/api/v1/patients/duplicates", okHandler)

	assert.Equal(t, http.StatusOK, w.Code, "recorder failure must not fail the request")
	assert.Contains(t, buf.String(), "failed to record audit entry")
}

func TestAuditAction(t *testing.T) {
	tests := []struct {
		method, route, want string
	}{
		{http.MethodPost, "/api/v1/patients/merge", "merge"},
		{http.MethodPost, "/api/v1/patients/merge/preview", "merge-preview"},
		{http.MethodGet, "/api/v1/patients/duplicates", "detect"},
		{http.MethodGet, "/api/v1/patients/:id/score/:other", "score"},
		{http.MethodGet, "/api/v1/patients/:id", "read"},
		{http.MethodPost, "/api/v1/patients", "create"},
		{http.MethodPut, "/api/v1/patients/:id", "update"},
		{http.MethodDelete, "/api/v1/patients/:id", "delete"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, auditAction(tt.method, tt.route), "%s %s", tt.method, tt.route)
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	var got AuditEntry
	f := AuditRecorderFunc(func(e AuditEntry) error {
		got = e
		return nil
	})
	require.NoError(t, f.RecordAccess(AuditEntry{Action: "merge"}))
	assert.Equal(t, "merge", got.Action)
}
