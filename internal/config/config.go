package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthMode      string `mapstructure:"AUTH_MODE"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	DefaultClinic string `mapstructure:"DEFAULT_CLINIC"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	EncryptionKey string `mapstructure:"VOICE_ENCRYPTION_KEY"`
	KeyVersion    int    `mapstructure:"VOICE_KEY_VERSION"`
	PreviousKeys  string `mapstructure:"VOICE_PREVIOUS_KEYS"`

	STTDefaultProvider string        `mapstructure:"STT_DEFAULT_PROVIDER"`
	STTClinicProviders string        `mapstructure:"STT_CLINIC_PROVIDERS"`
	STTHTTPEndpoint    string        `mapstructure:"STT_HTTP_ENDPOINT"`
	STTHTTPAPIKey      string        `mapstructure:"STT_HTTP_API_KEY"`
	STTGoogleAPIKey    string        `mapstructure:"STT_GOOGLE_API_KEY"`
	STTGoogleEndpoint  string        `mapstructure:"STT_GOOGLE_ENDPOINT"`
	STTTimeout         time.Duration `mapstructure:"STT_TIMEOUT"`
	STTMaxRetries      int           `mapstructure:"STT_MAX_RETRIES"`
	STTRetryInitial    time.Duration `mapstructure:"STT_RETRY_INITIAL"`
	STTRetryMax        time.Duration `mapstructure:"STT_RETRY_MAX"`
	STTMaxConcurrent   int           `mapstructure:"STT_MAX_CONCURRENT"`

	VoiceLanguage       string        `mapstructure:"VOICE_LANGUAGE"`
	VoiceModel          string        `mapstructure:"VOICE_MODEL"`
	ConfidenceThreshold float64       `mapstructure:"VOICE_CONFIDENCE_THRESHOLD"`
	SimilarityThreshold float64       `mapstructure:"VOICE_SIMILARITY_THRESHOLD"`
	MaxDuration         time.Duration `mapstructure:"VOICE_MAX_DURATION"`
	IdleTimeout         time.Duration `mapstructure:"VOICE_IDLE_TIMEOUT"`
	SweepInterval       time.Duration `mapstructure:"VOICE_SWEEP_INTERVAL"`
	FinalizeTimeout     time.Duration `mapstructure:"VOICE_FINALIZE_TIMEOUT"`
	MaxChunkBytes       int           `mapstructure:"VOICE_MAX_CHUNK_BYTES"`
	MaxAudioBytes       int           `mapstructure:"VOICE_MAX_AUDIO_BYTES"`
	AudioBytesPerSecond int           `mapstructure:"VOICE_AUDIO_BYTES_PER_SECOND"`
	Retention           time.Duration `mapstructure:"VOICE_RETENTION"`
	TriggersFile        string        `mapstructure:"VOICE_TRIGGERS_FILE"`

	CodeLookupBackend       string        `mapstructure:"CODE_LOOKUP_BACKEND"`
	CodeLookupTimeout       time.Duration `mapstructure:"CODE_LOOKUP_TIMEOUT"`
	CodeLookupMaxCandidates int           `mapstructure:"CODE_LOOKUP_MAX_CANDIDATES"`
	CodeLookupCacheTTL      time.Duration `mapstructure:"CODE_LOOKUP_CACHE_TTL"`
	CodeLookupCacheSize     int           `mapstructure:"CODE_LOOKUP_CACHE_SIZE"`
	TypesenseURL            string        `mapstructure:"TYPESENSE_URL"`
	TypesenseAPIKey         string        `mapstructure:"TYPESENSE_API_KEY"`
	TypesenseCollection     string        `mapstructure:"TYPESENSE_COLLECTION"`

	WebhookURLs       string        `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
	WebhookMaxRetries int           `mapstructure:"WEBHOOK_MAX_RETRIES"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SentryDSN    string `mapstructure:"SENTRY_DSN"`
}

var defaults = map[string]interface{}{
	"PORT":                         "8080",
	"ENV":                          "development",
	"LOG_LEVEL":                    "info",
	"CORS_ORIGINS":                 "http://localhost:3000",
	"BODY_LIMIT":                   "1M",
	"STORE_DRIVER":                 "postgres",
	"SQLITE_PATH":                  "voicedoc.sqlite",
	"DB_MAX_CONNS":                 20,
	"DB_MIN_CONNS":                 2,
	"AUTH_MODE":                    "",
	"DEFAULT_CLINIC":               "default",
	"RATE_LIMIT_RPS":               20,
	"RATE_LIMIT_BURST":             40,
	"VOICE_KEY_VERSION":            1,
	"STT_DEFAULT_PROVIDER":         "loopback",
	"STT_TIMEOUT":                  30 * time.Second,
	"STT_MAX_RETRIES":              3,
	"STT_RETRY_INITIAL":            200 * time.Millisecond,
	"STT_RETRY_MAX":                2 * time.Second,
	"STT_MAX_CONCURRENT":           10,
	"VOICE_LANGUAGE":               "pt-BR",
	"VOICE_MODEL":                  "medical_dictation",
	"VOICE_CONFIDENCE_THRESHOLD":   0.8,
	"VOICE_SIMILARITY_THRESHOLD":   0.85,
	"VOICE_MAX_DURATION":           300 * time.Second,
	"VOICE_IDLE_TIMEOUT":           60 * time.Second,
	"VOICE_SWEEP_INTERVAL":         5 * time.Second,
	"VOICE_FINALIZE_TIMEOUT":       5 * time.Second,
	"VOICE_MAX_CHUNK_BYTES":        2 << 20,
	"VOICE_MAX_AUDIO_BYTES":        50 << 20,
	"VOICE_AUDIO_BYTES_PER_SECOND": 32000,
	"VOICE_RETENTION":              24 * time.Hour,
	"CODE_LOOKUP_BACKEND":          "static",
	"CODE_LOOKUP_TIMEOUT":          800 * time.Millisecond,
	"CODE_LOOKUP_MAX_CANDIDATES":   3,
	"CODE_LOOKUP_CACHE_TTL":        time.Hour,
	"CODE_LOOKUP_CACHE_SIZE":       1024,
	"TYPESENSE_COLLECTION":         "icd10",
	"WEBHOOK_TIMEOUT":              10 * time.Second,
	"WEBHOOK_MAX_RETRIES":          3,
}

var envKeys = []string{
	"DATABASE_URL", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_JWT_SECRET",
	"VOICE_ENCRYPTION_KEY", "VOICE_PREVIOUS_KEYS",
	"STT_CLINIC_PROVIDERS", "STT_HTTP_ENDPOINT", "STT_HTTP_API_KEY", "STT_GOOGLE_API_KEY", "STT_GOOGLE_ENDPOINT",
	"VOICE_TRIGGERS_FILE",
	"TYPESENSE_URL", "TYPESENSE_API_KEY",
	"WEBHOOK_URLS", "WEBHOOK_SECRET",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "SENTRY_DSN",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Bind env vars explicitly so Unmarshal picks them up
	for key := range defaults {
		v.BindEnv(key)
	}
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development gives "development" (header
// auth) and anything else gives "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"sqlite\", got %q", c.StoreDriver)
	}

	mode := c.ResolvedAuthMode()
	switch mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed in production")
		}
	case "jwt":
		if c.AuthJWKSURL == "" && c.AuthJWTSecret == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_JWT_SECRET must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.IsProduction() && c.EncryptionKey == "" {
		return fmt.Errorf("VOICE_ENCRYPTION_KEY is required in production")
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 64 {
		return fmt.Errorf("VOICE_ENCRYPTION_KEY must be 64 hex chars, got %d", len(c.EncryptionKey))
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("VOICE_CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("VOICE_SIMILARITY_THRESHOLD must be within (0,1], got %v", c.SimilarityThreshold)
	}
	if c.MaxDuration <= 0 || c.Retention <= 0 {
		return fmt.Errorf("VOICE_MAX_DURATION and VOICE_RETENTION must be positive")
	}

	switch c.CodeLookupBackend {
	case "static", "postgres":
	case "typesense":
		if c.TypesenseURL == "" {
			return fmt.Errorf("TYPESENSE_URL is required when CODE_LOOKUP_BACKEND is typesense")
		}
	default:
		return fmt.Errorf("CODE_LOOKUP_BACKEND must be static, postgres or typesense, got %q", c.CodeLookupBackend)
	}
	if c.CodeLookupBackend == "postgres" && c.StoreDriver != "postgres" {
		return fmt.Errorf("CODE_LOOKUP_BACKEND postgres requires STORE_DRIVER postgres")
	}
	if c.WebhookURLs != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}

	return nil
}
