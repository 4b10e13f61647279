package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "PRESENCED"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "presenced.db"
	defaultRedisURL          = "redis://localhost:6379/0"
	defaultLogLevel          = "info"
	defaultPresenceTTL       = 60 * time.Second
	defaultFieldLockTTL      = 120 * time.Second
	defaultLockTTL           = 5 * time.Minute
	defaultLockSweepInterval = 15 * time.Second
	defaultTokenTTL          = 30 * time.Minute
	defaultTokenIssuer       = "presenced"
	defaultTokenAudience     = "presenced-api"
)

// AppConfig captures runtime configuration for the coordination server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	RedisURL          string
	KafkaBrokers      []string
	PresenceTTL       time.Duration
	FieldLockTTL      time.Duration
	EditLockTTL       time.Duration
	LockSweepInterval time.Duration
	TokenSigningKey   string
	TokenIssuer       string
	TokenAudience     string
	TokenTTL          time.Duration
	LogLevel          string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("presence.field_lock_ttl", defaultFieldLockTTL)
	configViper.SetDefault("locks.ttl", defaultLockTTL)
	configViper.SetDefault("locks.sweep_interval", defaultLockSweepInterval)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl", defaultTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		RedisURL:          configViper.GetString("redis.url"),
		KafkaBrokers:      configViper.GetStringSlice("kafka.brokers"),
		PresenceTTL:       configViper.GetDuration("presence.ttl"),
		FieldLockTTL:      configViper.GetDuration("presence.field_lock_ttl"),
		EditLockTTL:       configViper.GetDuration("locks.ttl"),
		LockSweepInterval: configViper.GetDuration("locks.sweep_interval"),
		TokenSigningKey:   configViper.GetString("token.signing_secret"),
		TokenIssuer:       configViper.GetString("token.issuer"),
		TokenAudience:     configViper.GetString("token.audience"),
		TokenTTL:          configViper.GetDuration("token.ttl"),
		LogLevel:          configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TokenSigningKey) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.FieldLockTTL <= 0 {
		return fmt.Errorf("presence.field_lock_ttl must be positive")
	}
	if c.EditLockTTL <= 0 {
		return fmt.Errorf("locks.ttl must be positive")
	}
	if c.LockSweepInterval <= 0 {
		return fmt.Errorf("locks.sweep_interval must be positive")
	}
	return nil
}
