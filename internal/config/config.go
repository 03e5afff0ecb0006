package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// InMemory keeps the ledger, worklist and integration state in process
	// memory. Nothing survives a restart.
	InMemory    bool   `mapstructure:"IN_MEMORY"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	// DICOM listener
	AETitle        string `mapstructure:"AE_TITLE"`
	DicomDir       string `mapstructure:"DICOM_DIR"`
	StorageHashKey string `mapstructure:"STORAGE_HASH_KEY"`

	// National exchange
	OrganizationID     string        `mapstructure:"ORGANIZATION_ID"`
	RemoteURL          string        `mapstructure:"REMOTE_URL"`
	RemoteFHIRPath     string        `mapstructure:"REMOTE_FHIR_PATH"`
	RemoteDicomPath    string        `mapstructure:"REMOTE_DICOM_PATH"`
	RemoteTokenPath    string        `mapstructure:"REMOTE_TOKEN_PATH"`
	RemoteClientID     string        `mapstructure:"REMOTE_CLIENT_ID"`
	RemoteClientSecret string        `mapstructure:"REMOTE_CLIENT_SECRET"`
	RemoteTimeout      time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	RemoteMaxRetries   int           `mapstructure:"REMOTE_MAX_RETRIES"`
	OrderCacheTTL      time.Duration `mapstructure:"ORDER_CACHE_TTL"`

	// Saga
	SagaWorkers     int64         `mapstructure:"SAGA_WORKERS"`
	SagaStepTimeout time.Duration `mapstructure:"SAGA_STEP_TIMEOUT"`

	// Secondary file backend
	MirrorEnabled bool   `mapstructure:"MIRROR_ENABLED"`
	MirrorURL     string `mapstructure:"MIRROR_URL"`

	// Metadata index
	MongoURL      string `mapstructure:"MONGODB_URL"`
	MongoDatabase string `mapstructure:"MONGODB_DATABASE"`

	// Messaging provider
	NotifyURL       string `mapstructure:"NOTIFY_URL"`
	NotifyEmail     string `mapstructure:"NOTIFY_EMAIL"`
	NotifyPassword  string `mapstructure:"NOTIFY_PASSWORD"`
	NotifyRecipient string `mapstructure:"NOTIFY_RECIPIENT"`
	NotifyTemplate  string `mapstructure:"NOTIFY_TEMPLATE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	// RequestTimeout bounds every REST request; zero disables it.
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "JWT_SECRET", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "IN_MEMORY",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
	"AE_TITLE", "DICOM_DIR", "STORAGE_HASH_KEY",
	"ORGANIZATION_ID", "REMOTE_URL", "REMOTE_FHIR_PATH", "REMOTE_DICOM_PATH", "REMOTE_TOKEN_PATH",
	"REMOTE_CLIENT_ID", "REMOTE_CLIENT_SECRET", "REMOTE_TIMEOUT", "REMOTE_MAX_RETRIES", "ORDER_CACHE_TTL",
	"SAGA_WORKERS", "SAGA_STEP_TIMEOUT",
	"MIRROR_ENABLED", "MIRROR_URL",
	"MONGODB_URL", "MONGODB_DATABASE",
	"NOTIFY_URL", "NOTIFY_EMAIL", "NOTIFY_PASSWORD", "NOTIFY_RECIPIENT", "NOTIFY_TEMPLATE",
	"CORS_ORIGINS", "REQUEST_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8081")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("AE_TITLE", "DCMROUTER")
	v.SetDefault("DICOM_DIR", "./dicom")
	v.SetDefault("STORAGE_HASH_KEY", "dicom-router")
	v.SetDefault("REMOTE_FHIR_PATH", "/fhir-r4/v1")
	v.SetDefault("REMOTE_DICOM_PATH", "/dicom/v1/dicomWeb/studies")
	v.SetDefault("REMOTE_TOKEN_PATH", "/oauth2/v1/accesstoken?grant_type=client_credentials")
	v.SetDefault("REMOTE_TIMEOUT", "30s")
	v.SetDefault("REMOTE_MAX_RETRIES", 2)
	v.SetDefault("ORDER_CACHE_TTL", "5m")
	v.SetDefault("SAGA_WORKERS", 4)
	v.SetDefault("SAGA_STEP_TIMEOUT", "2m")
	v.SetDefault("MONGODB_DATABASE", "pacs")
	v.SetDefault("NOTIFY_TEMPLATE", "imaging_study_ready")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "2m")

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

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" && !cfg.InMemory {
		return nil, fmt.Errorf("DATABASE_URL is required unless IN_MEMORY is set")
	}

	if cfg.IsDev() && cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: running in development mode, REST endpoints are not authenticated")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" in
// development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// RemoteEnabled reports whether the national exchange is configured.
func (c *Config) RemoteEnabled() bool {
	return c.RemoteURL != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.ResolvedAuthMode() {
	case "development":
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", c.AuthMode)
	}

	if c.RemoteEnabled() {
		if c.OrganizationID == "" {
			return fmt.Errorf("ORGANIZATION_ID is required when REMOTE_URL is set")
		}
		if c.RemoteClientID == "" || c.RemoteClientSecret == "" {
			return fmt.Errorf("REMOTE_CLIENT_ID and REMOTE_CLIENT_SECRET are required when REMOTE_URL is set")
		}
	}
	if c.MirrorEnabled && c.MirrorURL == "" {
		return fmt.Errorf("MIRROR_URL is required when MIRROR_ENABLED is true")
	}
	if c.NotifyURL != "" && c.NotifyRecipient == "" {
		return fmt.Errorf("NOTIFY_RECIPIENT is required when NOTIFY_URL is set")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.SagaWorkers < 1 {
		return fmt.Errorf("SAGA_WORKERS must be at least 1, got %d", c.SagaWorkers)
	}
	return nil
}
