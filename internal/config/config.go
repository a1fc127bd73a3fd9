// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, penalty and lifeline
// policy, reaper scheduling, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ReaperConfig controls deadline enforcement scheduling and the system
// credentials accepted by the job trigger endpoints. Two secrets are accepted
// so credentials can rotate without downtime.
type ReaperConfig struct {
	SystemSecretPrimary   string        // REAPER_SECRET (required)
	SystemSecretSecondary string        // REAPER_SECRET_PREVIOUS (optional, rotation)
	SweepInterval         time.Duration // SWEEP_INTERVAL (0 disables the internal ticker)
	RetryInterval         time.Duration // RETRY_INTERVAL (0 disables the internal ticker)
	Concurrency           int           // SWEEP_CONCURRENCY (worker pool size)
	MaxChargeAttempts     int           // MAX_CHARGE_ATTEMPTS
}

// GatewayConfig configures the payment gateway adapter.
type GatewayConfig struct {
	BaseURL string        // GATEWAY_URL (empty selects the in-memory stub)
	APIKey  string        // GATEWAY_API_KEY
	Timeout time.Duration // GATEWAY_TIMEOUT
}

// PushConfig configures the batch push dispatcher.
type PushConfig struct {
	Endpoint string        // PUSH_ENDPOINT (empty selects the in-memory stub)
	Timeout  time.Duration // PUSH_TIMEOUT
}

// AppStoreConfig configures billing-provider webhook decoding.
type AppStoreConfig struct {
	VerifySignature bool   // APPSTORE_VERIFY_SIGNATURE
	RootCertPath    string // APPSTORE_ROOT_CA (PEM bundle, required when verifying)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// App
	DBPath            string        // SQLite path
	PenaltyMinCents   int64         // lower bound for pledge amounts
	PenaltyMaxCents   int64         // upper bound for pledge amounts
	LifelineExtension time.Duration // deadline push per lifeline
	LifelineCooldown  time.Duration // global per-user cooldown window
	IdempotencyTTL    time.Duration // validity of an Idempotency-Key
	Reaper            ReaperConfig
	Gateway           GatewayConfig
	Push              PushConfig
	AppStore          AppStoreConfig

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
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
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:            getenv("DB_PATH", "app.db"),
		PenaltyMinCents:   getint64("PENALTY_MIN_CENTS", 100),
		PenaltyMaxCents:   getint64("PENALTY_MAX_CENTS", 50_000),
		LifelineExtension: getdur("LIFELINE_EXTENSION", 7*24*time.Hour),
		LifelineCooldown:  getdur("LIFELINE_COOLDOWN", 30*24*time.Hour),
		IdempotencyTTL:    getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Reaper: ReaperConfig{
			SystemSecretPrimary:   getenv("REAPER_SECRET", ""),
			SystemSecretSecondary: getenv("REAPER_SECRET_PREVIOUS", ""),
			SweepInterval:         getdur("SWEEP_INTERVAL", time.Hour),
			RetryInterval:         getdur("RETRY_INTERVAL", 4*time.Hour),
			Concurrency:           getint("SWEEP_CONCURRENCY", 8),
			MaxChargeAttempts:     getint("MAX_CHARGE_ATTEMPTS", 5),
		},
		Gateway: GatewayConfig{
			BaseURL: getenv("GATEWAY_URL", ""),
			APIKey:  getenv("GATEWAY_API_KEY", ""),
			Timeout: getdur("GATEWAY_TIMEOUT", 15*time.Second),
		},
		Push: PushConfig{
			Endpoint: getenv("PUSH_ENDPOINT", ""),
			Timeout:  getdur("PUSH_TIMEOUT", 10*time.Second),
		},
		AppStore: AppStoreConfig{
			VerifySignature: getbool("APPSTORE_VERIFY_SIGNATURE", false),
			RootCertPath:    getenv("APPSTORE_ROOT_CA", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
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
			ServiceName: getenv("OTEL_SERVICE_NAME", "commit-enforcement-backend"),
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

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.PenaltyMinCents <= 0 || cfg.PenaltyMaxCents < cfg.PenaltyMinCents {
		return cfg, errors.New("PENALTY_MIN_CENTS/PENALTY_MAX_CENTS must be positive and ordered")
	}
	if cfg.LifelineExtension <= 0 {
		return cfg, errors.New("LIFELINE_EXTENSION must be > 0")
	}
	if cfg.LifelineCooldown <= 0 {
		return cfg, errors.New("LIFELINE_COOLDOWN must be > 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Reaper.Concurrency < 1 {
		return cfg, errors.New("SWEEP_CONCURRENCY must be >= 1")
	}
	if cfg.Reaper.MaxChargeAttempts < 1 {
		return cfg, errors.New("MAX_CHARGE_ATTEMPTS must be >= 1")
	}
	if cfg.AppStore.VerifySignature && strings.TrimSpace(cfg.AppStore.RootCertPath) == "" {
		return cfg, errors.New("APPSTORE_ROOT_CA is required when APPSTORE_VERIFY_SIGNATURE is enabled")
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

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
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
