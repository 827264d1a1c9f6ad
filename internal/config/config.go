package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	DevAuth                  bool          `mapstructure:"DEV_AUTH"`
	LogLevel                 string        `mapstructure:"LOG_LEVEL"`
	LogFile                  string        `mapstructure:"LOG_FILE"`
	LogFileMaxSizeMB         int           `mapstructure:"LOG_FILE_MAX_SIZE_MB"`
	LogFileMaxBackups        int           `mapstructure:"LOG_FILE_MAX_BACKUPS"`
	LogFileMaxAgeDays        int           `mapstructure:"LOG_FILE_MAX_AGE_DAYS"`
	MetricsEnabled           bool          `mapstructure:"METRICS_ENABLED"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	JWTSigningKey            string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer                string        `mapstructure:"JWT_ISSUER"`
	JWTTTL                   time.Duration `mapstructure:"JWT_TTL"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int           `mapstructure:"RATE_LIMIT_BURST"`
	PublicRateLimitPerMinute int           `mapstructure:"PUBLIC_RATE_LIMIT_PER_MINUTE"`
	MaxUploadSize            string        `mapstructure:"MAX_UPLOAD_SIZE"`
	RequestTimeout           time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AnalysisProvider         string        `mapstructure:"ANALYSIS_PROVIDER"`
	AnalysisURL              string        `mapstructure:"ANALYSIS_URL"`
	AnalysisSeed             int64         `mapstructure:"ANALYSIS_SEED"`
	ChatProvider             string        `mapstructure:"CHAT_PROVIDER"`
	GeminiAPIKey             string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel              string        `mapstructure:"GEMINI_MODEL"`
	GeminiBaseURL            string        `mapstructure:"GEMINI_BASE_URL"`
	ProviderTimeout          time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	ProviderRetries          int           `mapstructure:"PROVIDER_RETRIES"`
	EnforceReportOwnership   bool          `mapstructure:"ENFORCE_REPORT_OWNERSHIP"`
	TLSEnabled               bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile              string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile               string        `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "DEV_AUTH", "LOG_LEVEL",
	"LOG_FILE", "LOG_FILE_MAX_SIZE_MB", "LOG_FILE_MAX_BACKUPS", "LOG_FILE_MAX_AGE_DAYS",
	"METRICS_ENABLED",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "JWT_TTL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PUBLIC_RATE_LIMIT_PER_MINUTE",
	"MAX_UPLOAD_SIZE", "REQUEST_TIMEOUT",
	"ANALYSIS_PROVIDER", "ANALYSIS_URL", "ANALYSIS_SEED",
	"CHAT_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
	"PROVIDER_TIMEOUT", "PROVIDER_RETRIES",
	"ENFORCE_REPORT_OWNERSHIP",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "production")
	v.SetDefault("DEV_AUTH", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_FILE_MAX_BACKUPS", 5)
	v.SetDefault("LOG_FILE_MAX_AGE_DAYS", 28)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("JWT_ISSUER", "radportal")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("PUBLIC_RATE_LIMIT_PER_MINUTE", 30)
	v.SetDefault("MAX_UPLOAD_SIZE", "20M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("ANALYSIS_PROVIDER", "mock")
	v.SetDefault("ANALYSIS_SEED", 0)
	v.SetDefault("CHAT_PROVIDER", "mock")
	v.SetDefault("GEMINI_MODEL", "gemini-pro")
	v.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")
	v.SetDefault("PROVIDER_TIMEOUT", "20s")
	v.SetDefault("PROVIDER_RETRIES", 1)
	v.SetDefault("ENFORCE_REPORT_OWNERSHIP", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.DevAuthEnabled() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: DEV_AUTH is on (ENV=development).")
		log.Println("WARNING: Requests without a bearer token are treated as a dev clinician.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// DevAuthEnabled reports whether unauthenticated clinician requests are let
// through as a dev admin. It needs both ENV=development and DEV_AUTH=true.
func (c *Config) DevAuthEnabled() bool {
	return c.IsDev() && c.DevAuth
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey returns the HMAC key used for clinician access tokens. A value
// that decodes as hex is used decoded; anything else is used verbatim.
func (c *Config) SigningKey() []byte {
	if c.JWTSigningKey == "" {
		return nil
	}
	if b, err := hex.DecodeString(c.JWTSigningKey); err == nil {
		return b
	}
	return []byte(c.JWTSigningKey)
}

// Validate checks that the configuration is safe to run. DEV_AUTH is only
// accepted with ENV=development; without it a signing key of at least 32 bytes
// is mandatory. Each provider selection must come with the settings it needs.
func (c *Config) Validate() error {
	if c.DevAuth && !c.IsDev() {
		return fmt.Errorf("DEV_AUTH requires ENV=development, got ENV=%q", c.Env)
	}
	if !c.DevAuthEnabled() && len(c.SigningKey()) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes when ENV=%q", c.Env)
	}

	switch c.AnalysisProvider {
	case "mock":
	case "remote":
		if c.AnalysisURL == "" {
			return fmt.Errorf("ANALYSIS_URL is required when ANALYSIS_PROVIDER is \"remote\"")
		}
	default:
		return fmt.Errorf("ANALYSIS_PROVIDER must be \"mock\" or \"remote\", got %q", c.AnalysisProvider)
	}

	switch c.ChatProvider {
	case "mock":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when CHAT_PROVIDER is \"gemini\"")
		}
	default:
		return fmt.Errorf("CHAT_PROVIDER must be \"mock\" or \"gemini\", got %q", c.ChatProvider)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive, got %s", c.ProviderTimeout)
	}
	if c.ProviderRetries < 0 {
		return fmt.Errorf("PROVIDER_RETRIES must not be negative, got %d", c.ProviderRetries)
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
