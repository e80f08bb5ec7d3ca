package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/config"
	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/domain/mpi"
	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/metrics"
	"github.com/ehr/mpi/internal/platform/middleware"
	"github.com/ehr/mpi/internal/platform/validate"
)

// backend is the storage selected by STORAGE_DRIVER.
type backend struct {
	driver        string
	store         mpi.Store
	pinger        db.Pinger
	patients      identity.PatientRepository
	practitioners identity.PractitionerRepository
	tenant        echo.MiddlewareFunc
	pool          *pgxpool.Pool
	close         func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StorageDriver == config.DriverSQLite {
		store, err := mpi.OpenSQLiteStore(cfg.SQLitePath, cfg.LockOptions())
		if err != nil {
			return nil, err
		}
		practitioners, err := identity.NewPractitionerRepoSQLite(ctx, store.DB())
		if err != nil {
			store.Close()
			return nil, err
		}
		return &backend{
			driver:        config.DriverSQLite,
			store:         store,
			pinger:        store,
			patients:      identity.NewPatientRepoSQLite(store.DB()),
			practitioners: practitioners,
			tenant:        db.TenantContextMiddleware(cfg.DefaultTenant),
			close:         func() { store.Close() },
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "mpi-server",
	})
	if err != nil {
		return nil, err
	}
	return &backend{
		driver:        config.DriverPostgres,
		store:         mpi.NewPGStore(pool, cfg.LockOptions()),
		pinger:        pool,
		patients:      identity.NewPatientRepo(pool),
		practitioners: identity.NewPractitionerRepo(pool),
		tenant:        db.TenantMiddleware(pool, cfg.DefaultTenant),
		pool:          pool,
		close:         pool.Close,
	}, nil
}

// tenantContext scopes ctx to tenant for commands that run outside a
// request. Postgres pins a connection to the tenant schema; release must be
// called when done.
func (b *backend) tenantContext(ctx context.Context, tenant string) (context.Context, func(), error) {
	if b.pool == nil {
		return db.WithTenant(ctx, tenant), func() {}, nil
	}
	return db.AcquireTenantConn(ctx, b.pool, tenant)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware()
	}
	var signingKey []byte
	if cfg.AuthSigningKey != "" {
		signingKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: signingKey,
	})
}

// newServer builds the HTTP server. Background cleanup of the response cache
// and the rate limiter stops when ctx is cancelled.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, be *backend, collector *metrics.Collector) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-None-Match", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(collector.Middleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(be.pinger, be.driver))
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	limiter := middleware.NewRateLimiterStore(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})
	limiter.StartCleanup(ctx, time.Minute)

	cache := middleware.NewInMemoryCacheStore()
	cache.StartCleanup(ctx, time.Minute)

	apiV1 := e.Group("/api/v1",
		authMiddleware(cfg),
		be.tenant,
		middleware.RateLimit(limiter),
		middleware.Audit(logger),
		middleware.ETagMiddleware(0),
	)

	mpiSvc := mpi.NewService(be.store, cfg.MatchOptions(), logger, collector)
	mpi.NewHandler(mpiSvc, cache, cfg.DuplicatesCacheTTL).RegisterRoutes(apiV1)

	identitySvc := identity.NewService(be.patients, be.practitioners, logger)
	identity.NewHandler(identitySvc, cache).RegisterRoutes(apiV1)

	return e
}

// runServer serves until SIGINT or SIGTERM, then drains in-flight requests.
func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	be, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StorageDriver).Msg("failed to open storage")
		return err
	}
	defer be.close()
	logger.Info().Str("driver", be.driver).Msg("storage ready")

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	e := newServer(ctx, cfg, logger, be, metrics.NewCollector("mpi"))

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		if cfg.TLSEnabled {
			errCh <- e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errCh <- e.Start(addr)
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
