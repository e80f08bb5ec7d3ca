package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/mpi/internal/domain/mpi"
)

func TestDetectionCompleted(t *testing.T) {
	c := NewCollector("mpi_test")

	c.DetectionCompleted(mpi.DetectionStats{Population: 4, Pairs: 6, Groups: 2, Duration: 10 * time.Millisecond}, nil)
	c.DetectionCompleted(mpi.DetectionStats{Duration: time.Millisecond}, &mpi.StorageError{Op: "load", Err: errors.New("down")})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.DetectionRuns.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DetectionRuns.WithLabelValues("storage")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.DuplicateGroups), "failed runs must not overwrite the group gauge")
}

func TestMergeCompleted(t *testing.T) {
	c := NewCollector("mpi_test")

	summary := &mpi.MergeSummary{
		MasterID: uuid.New(),
		Absorbed: []uuid.UUID{uuid.New(), uuid.New()},
		RelationsMoved: map[mpi.RelationType]int64{
			mpi.RelationEncounter:   3,
			mpi.RelationObservation: 5,
		},
	}
	c.MergeCompleted(summary, 20*time.Millisecond, nil)
	c.MergeCompleted(nil, time.Millisecond, &mpi.ConflictError{})
	c.MergeCompleted(&mpi.MergeSummary{Preview: true}, time.Millisecond, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Merges.WithLabelValues("success")), "previews must not count as merges")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Merges.WithLabelValues("conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.PatientsAbsorbed))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.RelationsMoved.WithLabelValues("observation")))
}

func TestMiddleware(t *testing.T) {
	c := NewCollector("mpi_test")
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/patients/:id", func(ctx echo.Context) error {
		ctx.Response().Header().Set("X-Cache", "HIT")
		return ctx.String(http.StatusOK, "ok")
	})
	e.POST("/patients/merge", func(ctx echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "busy")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/patients/abc", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/patients/merge", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/patients/:id", "200")), "requests are labelled by route template")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("POST", "/patients/merge", "409")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheLookups.WithLabelValues("hit")))
}

func TestHandler(t *testing.T) {
	c := NewCollector("mpi_test")
	c.DetectionCompleted(mpi.DetectionStats{Groups: 1}, nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mpi_test_detection_runs_total")
}

func TestNewCollector_Independent(t *testing.T) {
	a := NewCollector("mpi_test")
	b := NewCollector("mpi_test")
	a.PatientsAbsorbed.Inc()
	assert.Zero(t, testutil.ToFloat64(b.PatientsAbsorbed), "collectors must not share state")
}
