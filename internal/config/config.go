package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/spf13/viper"

	"github.com/ehr/labbridge/internal/platform/secrets"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	EncryptionKey         string        `mapstructure:"LIS_ENCRYPTION_KEY"`
	MLLPListenAddr        string        `mapstructure:"MLLP_LISTEN_ADDR"`
	MLLPTLSCertFile       string        `mapstructure:"MLLP_TLS_CERT_FILE"`
	MLLPTLSKeyFile        string        `mapstructure:"MLLP_TLS_KEY_FILE"`
	MLLPConnectTimeoutMS  int           `mapstructure:"MLLP_CONNECT_TIMEOUT_MS"`
	MLLPResponseTimeoutMS int           `mapstructure:"MLLP_RESPONSE_TIMEOUT_MS"`
	MessageRetentionDays  int           `mapstructure:"MESSAGE_RETENTION_DAYS"`
	RetentionInterval     time.Duration `mapstructure:"RETENTION_SWEEP_INTERVAL"`
	NATSURL               string        `mapstructure:"NATS_URL"`
	NATSSubjectPrefix     string        `mapstructure:"NATS_SUBJECT_PREFIX"`
	ClinicAPIURL          string        `mapstructure:"CLINIC_API_URL"`
	ClinicAPIToken        string        `mapstructure:"CLINIC_API_TOKEN"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	WebhookBodyLimit      string        `mapstructure:"WEBHOOK_BODY_LIMIT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LIS_ENCRYPTION_KEY", "MLLP_LISTEN_ADDR", "MLLP_TLS_CERT_FILE", "MLLP_TLS_KEY_FILE",
	"MLLP_CONNECT_TIMEOUT_MS", "MLLP_RESPONSE_TIMEOUT_MS", "MESSAGE_RETENTION_DAYS",
	"RETENTION_SWEEP_INTERVAL", "NATS_URL", "NATS_SUBJECT_PREFIX", "CLINIC_API_URL",
	"CLINIC_API_TOKEN", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "WEBHOOK_BODY_LIMIT",
	"REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MLLP_LISTEN_ADDR", ":2575")
	v.SetDefault("MLLP_CONNECT_TIMEOUT_MS", 5000)
	v.SetDefault("MLLP_RESPONSE_TIMEOUT_MS", 30000)
	v.SetDefault("MESSAGE_RETENTION_DAYS", 90)
	v.SetDefault("RETENTION_SWEEP_INTERVAL", "1h")
	v.SetDefault("NATS_SUBJECT_PREFIX", "lab.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("WEBHOOK_BODY_LIMIT", "10M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProductionLike reports whether secrets and operator auth are mandatory.
func (c *Config) IsProductionLike() bool {
	return c.Env == "production" || c.Env == "staging"
}

func (c *Config) MLLPConnectTimeout() time.Duration {
	return time.Duration(c.MLLPConnectTimeoutMS) * time.Millisecond
}

func (c *Config) MLLPResponseTimeout() time.Duration {
	return time.Duration(c.MLLPResponseTimeoutMS) * time.Millisecond
}

// Retention is the age after which audit entries are purged.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.MessageRetentionDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run. Every problem is
// reported, keyed by the offending variable.
func (c *Config) Validate() error {
	var errs errsx.Map

	switch c.Env {
	case "development", "test", "staging", "production":
	default:
		errs.Set("ENV", fmt.Sprintf("must be development, test, staging or production, got %q", c.Env))
	}

	if c.IsProductionLike() && c.EncryptionKey == "" {
		errs.Set("LIS_ENCRYPTION_KEY", fmt.Sprintf("is required when ENV=%s", c.Env))
	}
	if c.EncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.EncryptionKey)
		switch {
		case err != nil:
			errs.Set("LIS_ENCRYPTION_KEY", fmt.Errorf("is not valid hex: %w", err))
		case len(keyBytes) != secrets.KeySize:
			errs.Set("LIS_ENCRYPTION_KEY", fmt.Sprintf("must be %d bytes (64 hex chars), got %d bytes", secrets.KeySize, len(keyBytes)))
		}
	}

	// TLS for the MLLP listener needs both halves of the pair.
	if (c.MLLPTLSCertFile == "") != (c.MLLPTLSKeyFile == "") {
		errs.Set("MLLP_TLS_CERT_FILE", "MLLP_TLS_CERT_FILE and MLLP_TLS_KEY_FILE must be set together")
	}

	if c.MLLPConnectTimeoutMS <= 0 {
		errs.Set("MLLP_CONNECT_TIMEOUT_MS", "must be positive")
	}
	if c.MLLPResponseTimeoutMS <= 0 {
		errs.Set("MLLP_RESPONSE_TIMEOUT_MS", "must be positive")
	}
	if c.MessageRetentionDays <= 0 {
		errs.Set("MESSAGE_RETENTION_DAYS", "must be positive")
	}
	if c.RetentionInterval <= 0 {
		errs.Set("RETENTION_SWEEP_INTERVAL", "must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		errs.Set("DB_MIN_CONNS", "must not exceed DB_MAX_CONNS")
	}

	// Operator tokens are verified against the issuer's keys; a shared
	// signing key is accepted only outside production.
	if c.IsProductionLike() {
		if c.AuthIssuer == "" {
			errs.Set("AUTH_ISSUER", fmt.Sprintf("is required when ENV=%s", c.Env))
		}
		if c.AuthSigningKey != "" {
			errs.Set("AUTH_SIGNING_KEY", fmt.Sprintf("must not be set when ENV=%s", c.Env))
		}
	} else if c.Env == "test" && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		errs.Set("AUTH_ISSUER", "AUTH_ISSUER or AUTH_SIGNING_KEY is required when ENV=test")
	}
	if c.RequestTimeout <= 0 {
		errs.Set("REQUEST_TIMEOUT", "must be positive")
	}
	if c.ClinicAPIURL == "" {
		errs.Set("CLINIC_API_URL", "is required")
	}

	if !errs.IsEmpty() {
		return errs.AsError()
	}
	return nil
}

// Keyring builds the credential keyring. Without a configured key an
// ephemeral keyring is returned; Validate rejects that outside development.
func (c *Config) Keyring() (*secrets.Keyring, error) {
	if c.EncryptionKey == "" {
		return secrets.EphemeralKeyring()
	}
	return secrets.ParseHexKey(c.EncryptionKey)
}
