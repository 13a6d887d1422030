package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "QUESTREWARDS"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabasePath       = "questrewards.db"
	defaultLogLevel           = "info"
	defaultLogMaxSizeMB       = 100
	defaultLogMaxBackups      = 5
	defaultLogMaxAgeDays      = 28
	defaultAuthIssuer         = "questrewards"
	defaultTokenTTL           = 24 * time.Hour
	defaultTokenIDBits        = 16
	defaultReconcileInterval  = 5 * time.Minute
	defaultReconcileBatchSize = 200
	defaultEventHeartbeat     = 25 * time.Second

	// DriverSQLite selects the embedded SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server reached through database.dsn.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	CORSAllowedOrigins []string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	LogFile            string
	LogMaxSizeMB       int
	LogMaxBackups      int
	LogMaxAgeDays      int
	AuthSigningSecret  string
	AuthIssuer         string
	AuthTokenTTL       time.Duration
	SignerPrivateKey   string
	TokenIDBits        int
	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	EventHeartbeat     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("rewards.token_id_bits", defaultTokenIDBits)
	configViper.SetDefault("reconciler.interval", defaultReconcileInterval)
	configViper.SetDefault("reconciler.batch_size", defaultReconcileBatchSize)
	configViper.SetDefault("events.heartbeat", defaultEventHeartbeat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		CORSAllowedOrigins: configViper.GetStringSlice("http.cors_allowed_origins"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            configViper.GetString("log.file"),
		LogMaxSizeMB:       configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:      configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:      configViper.GetInt("log.max_age_days"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthTokenTTL:       configViper.GetDuration("auth.token_ttl"),
		SignerPrivateKey:   configViper.GetString("signer.private_key"),
		TokenIDBits:        configViper.GetInt("rewards.token_id_bits"),
		ReconcileInterval:  configViper.GetDuration("reconciler.interval"),
		ReconcileBatchSize: configViper.GetInt("reconciler.batch_size"),
		EventHeartbeat:     configViper.GetDuration("events.heartbeat"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAuth parses only the settings needed to mint caller tokens.
func LoadAuth(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
	if err := cfg.validateAuth(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if err := c.validateAuth(); err != nil {
		return err
	}
	if strings.TrimSpace(c.SignerPrivateKey) == "" {
		return fmt.Errorf("signer.private_key is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if c.TokenIDBits != 16 && c.TokenIDBits != 32 {
		return fmt.Errorf("rewards.token_id_bits must be 16 or 32, got %d", c.TokenIDBits)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconciler.interval must not be negative")
	}
	if c.EventHeartbeat <= 0 {
		return fmt.Errorf("events.heartbeat must be positive")
	}
	return nil
}

func (c AppConfig) validateAuth() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	return nil
}
