package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DRIFTLINE"
	defaultHTTPAddress   = "127.0.0.1:8470"
	defaultDatabasePath  = "driftline.db"
	defaultLogLevel      = "info"
	defaultAppID         = "driftline-core"
	defaultSweepInterval = 5 * time.Second
	defaultMaxBackoff    = time.Minute
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	RemoteBaseURL     string
	RemoteAccessToken string
	UserID            string
	AppID             string
	SweepInterval     time.Duration
	MaxBackoff        time.Duration
	StreamEnabled     bool
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("actor.app_id", defaultAppID)
	configViper.SetDefault("sync.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("sync.max_backoff", defaultMaxBackoff)
	configViper.SetDefault("sync.stream_enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		RemoteBaseURL:     configViper.GetString("remote.base_url"),
		RemoteAccessToken: configViper.GetString("remote.access_token"),
		UserID:            configViper.GetString("actor.user_id"),
		AppID:             configViper.GetString("actor.app_id"),
		SweepInterval:     configViper.GetDuration("sync.sweep_interval"),
		MaxBackoff:        configViper.GetDuration("sync.max_backoff"),
		StreamEnabled:     configViper.GetBool("sync.stream_enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("actor.user_id is required")
	}
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("actor.app_id is required")
	}
	return nil
}
