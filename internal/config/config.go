package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/mpi/internal/domain/mpi"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	StorageDriver string   `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	SQLitePath    string   `mapstructure:"SQLITE_PATH"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	// AuthSigningKey enables HS256 tokens; for development/testing only.
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	MatchThreshold           float64 `mapstructure:"MATCH_THRESHOLD"`
	MatchExactIdentifierOnly bool    `mapstructure:"MATCH_EXACT_IDENTIFIER_ONLY"`
	MatchWeightIdentifier    float64 `mapstructure:"MATCH_WEIGHT_IDENTIFIER"`
	MatchWeightName          float64 `mapstructure:"MATCH_WEIGHT_NAME"`
	MatchWeightBirthDate     float64 `mapstructure:"MATCH_WEIGHT_BIRTHDATE"`
	MatchNameStrategy        string  `mapstructure:"MATCH_NAME_STRATEGY"`
	MatchWorkers             int     `mapstructure:"MATCH_WORKERS"`
	MatchRanking             string  `mapstructure:"MATCH_RANKING"`

	MergeLockMode      string        `mapstructure:"MERGE_LOCK_MODE"`
	MergeLockTimeout   time.Duration `mapstructure:"MERGE_LOCK_TIMEOUT"`
	DuplicatesCacheTTL time.Duration `mapstructure:"DUPLICATES_CACHE_TTL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "STORAGE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SQLITE_PATH", "MIGRATIONS_DIR", "DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"MATCH_THRESHOLD", "MATCH_EXACT_IDENTIFIER_ONLY", "MATCH_WEIGHT_IDENTIFIER", "MATCH_WEIGHT_NAME",
	"MATCH_WEIGHT_BIRTHDATE", "MATCH_NAME_STRATEGY", "MATCH_WORKERS", "MATCH_RANKING",
	"MERGE_LOCK_MODE", "MERGE_LOCK_TIMEOUT", "DUPLICATES_CACHE_TTL",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	weights := mpi.DefaultWeights()
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/mpi.db")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("MATCH_THRESHOLD", mpi.DefaultThreshold)
	v.SetDefault("MATCH_EXACT_IDENTIFIER_ONLY", false)
	v.SetDefault("MATCH_WEIGHT_IDENTIFIER", weights.Identifier)
	v.SetDefault("MATCH_WEIGHT_NAME", weights.Name)
	v.SetDefault("MATCH_WEIGHT_BIRTHDATE", weights.BirthDate)
	v.SetDefault("MATCH_NAME_STRATEGY", string(mpi.NameStrategyAverage))
	v.SetDefault("MATCH_WORKERS", runtime.NumCPU())
	v.SetDefault("MATCH_RANKING", string(mpi.OrderByScore))
	v.SetDefault("MERGE_LOCK_MODE", string(mpi.LockNoWait))
	v.SetDefault("MERGE_LOCK_TIMEOUT", "5s")
	v.SetDefault("DUPLICATES_CACHE_TTL", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.StorageDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set; otherwise "development" for
// ENV=development and "external" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// MatchOptions maps the MATCH_* keys onto detection options.
func (c *Config) MatchOptions() mpi.Options {
	return mpi.Options{
		Weights: mpi.Weights{
			Identifier: c.MatchWeightIdentifier,
			Name:       c.MatchWeightName,
			BirthDate:  c.MatchWeightBirthDate,
		},
		NameStrategy:        mpi.NameStrategy(c.MatchNameStrategy),
		Threshold:           c.MatchThreshold,
		ExactIdentifierOnly: c.MatchExactIdentifierOnly,
		Workers:             c.MatchWorkers,
		Ranking:             mpi.RankOrder(c.MatchRanking),
	}
}

// LockOptions maps the MERGE_LOCK_* keys onto the store lock options.
func (c *Config) LockOptions() mpi.LockOptions {
	return mpi.LockOptions{Mode: mpi.LockMode(c.MergeLockMode), Timeout: c.MergeLockTimeout}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only and must not be set in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	switch c.StorageDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StorageDriver)
	}
	if c.StorageDriver == DriverSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER is sqlite")
	}

	if err := c.MatchOptions().Validate(); err != nil {
		return fmt.Errorf("MATCH_*: %w", err)
	}
	if c.MatchWorkers < 1 {
		return fmt.Errorf("MATCH_WORKERS must be at least 1, got %d", c.MatchWorkers)
	}

	switch mpi.LockMode(c.MergeLockMode) {
	case mpi.LockNoWait, mpi.LockWait:
	default:
		return fmt.Errorf("MERGE_LOCK_MODE must be %q or %q, got %q", mpi.LockNoWait, mpi.LockWait, c.MergeLockMode)
	}
	if c.MergeLockTimeout < 0 {
		return fmt.Errorf("MERGE_LOCK_TIMEOUT must not be negative")
	}
	if c.DuplicatesCacheTTL < 0 {
		return fmt.Errorf("DUPLICATES_CACHE_TTL must not be negative")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
