// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, the record store, the dispatch queue, the settlement
// partner, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported record store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines HTTP security header settings.
type SecurityConfig struct {
	EnableHSTS bool          // ENABLE_HSTS, only when HTTPS end-to-end
	HSTSMaxAge time.Duration // HSTS_MAX_AGE
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-settlement-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig selects and locates the transaction record store.
type StoreConfig struct {
	Driver      string // DB_DRIVER: sqlite|postgres
	Path        string // DB_PATH, SQLite file
	DatabaseURL string // DATABASE_URL, required for postgres
}

// QueueConfig controls the durable dispatch queue and its consumers.
type QueueConfig struct {
	Path            string        // QUEUE_PATH, bolt file
	RetryDelay      time.Duration // RETRY_DELAY_MS
	MaxRetries      int           // MAX_RETRIES
	Workers         int           // WORKERS
	LeaseTimeout    time.Duration // LEASE_TIMEOUT
	PromoteInterval time.Duration // PROMOTE_INTERVAL
	ClaimStaleAfter time.Duration // CLAIM_STALE_AFTER
}

// PartnerConfig tunes the settlement partner client.
type PartnerConfig struct {
	Timeout      time.Duration // SETTLEMENT_TIMEOUT, per attempt
	Latency      time.Duration // PARTNER_LATENCY
	FailureRatio float64       // PARTNER_FAILURE_RATIO in [0,1]
	RPS          float64       // PARTNER_RPS, 0 disables throttling
	Burst        int           // PARTNER_BURST
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain window
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	APIBasePath    string // base path for API routes
	SwaggerEnabled bool   // enable Swagger UI route

	Store   StoreConfig
	Queue   QueueConfig
	Partner PartnerConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),

		Store: StoreConfig{
			Driver:      strings.ToLower(strings.TrimSpace(getenv("DB_DRIVER", DriverSQLite))),
			Path:        getenv("DB_PATH", "data/transactions.db"),
			DatabaseURL: getenv("DATABASE_URL", ""),
		},

		Queue: QueueConfig{
			Path:            getenv("QUEUE_PATH", "data/dispatch.queue"),
			RetryDelay:      time.Duration(getint("RETRY_DELAY_MS", 5000)) * time.Millisecond,
			MaxRetries:      getint("MAX_RETRIES", 3),
			Workers:         getint("WORKERS", 4),
			LeaseTimeout:    getdur("LEASE_TIMEOUT", time.Minute),
			PromoteInterval: getdur("PROMOTE_INTERVAL", 250*time.Millisecond),
			ClaimStaleAfter: getdur("CLAIM_STALE_AFTER", 30*time.Second),
		},

		Partner: PartnerConfig{
			Timeout:      getdur("SETTLEMENT_TIMEOUT", 10*time.Second),
			Latency:      getdur("PARTNER_LATENCY", 200*time.Millisecond),
			FailureRatio: getfloat("PARTNER_FAILURE_RATIO", 0.3),
			RPS:          getfloat("PARTNER_RPS", 50),
			Burst:        getint("PARTNER_BURST", 10),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-settlement-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Store.Driver == "postgresql" || cfg.Store.Driver == "pg" {
		cfg.Store.Driver = DriverPostgres
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.Store.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.Queue.Path) == "" {
		return cfg, errors.New("QUEUE_PATH must not be empty")
	}
	if cfg.Queue.RetryDelay <= 0 {
		return cfg, errors.New("RETRY_DELAY_MS must be > 0")
	}
	if cfg.Queue.MaxRetries < 0 {
		return cfg, errors.New("MAX_RETRIES must be >= 0")
	}
	if cfg.Queue.Workers < 1 {
		return cfg, errors.New("WORKERS must be >= 1")
	}
	if cfg.Queue.LeaseTimeout <= 0 || cfg.Queue.PromoteInterval <= 0 || cfg.Queue.ClaimStaleAfter <= 0 {
		return cfg, errors.New("LEASE_TIMEOUT, PROMOTE_INTERVAL and CLAIM_STALE_AFTER must be positive")
	}
	if cfg.Partner.Timeout <= 0 {
		return cfg, errors.New("SETTLEMENT_TIMEOUT must be > 0")
	}
	// A live attempt must never look stale to a redelivered copy.
	if cfg.Queue.ClaimStaleAfter <= cfg.Partner.Timeout {
		return cfg, errors.New("CLAIM_STALE_AFTER must exceed SETTLEMENT_TIMEOUT")
	}
	if cfg.Queue.LeaseTimeout <= cfg.Queue.ClaimStaleAfter {
		return cfg, errors.New("LEASE_TIMEOUT must exceed CLAIM_STALE_AFTER")
	}
	if cfg.Partner.Latency < 0 {
		return cfg, errors.New("PARTNER_LATENCY must be >= 0")
	}
	if cfg.Partner.FailureRatio < 0 || cfg.Partner.FailureRatio > 1 {
		return cfg, errors.New("PARTNER_FAILURE_RATIO must be between 0 and 1")
	}
	if cfg.Partner.RPS < 0 {
		return cfg, errors.New("PARTNER_RPS must be >= 0")
	}
	if cfg.Partner.Burst < 1 {
		return cfg, errors.New("PARTNER_BURST must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
