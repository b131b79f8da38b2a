package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "LOCKSTEP"
	defaultHTTPAddress   = "127.0.0.1:8780"
	defaultDatabasePath  = "lockstep.db"
	defaultLogLevel      = "info"
	defaultSessionName   = "default"
	defaultPollInterval  = time.Second
	defaultWorkerCount   = 2
	defaultTokenTTLHours = 12
)

// AppConfig captures runtime configuration for a lockstep node.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SessionName   string
	NodeID        string
	PollInterval  time.Duration
	Workers       int
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
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
	configViper.SetDefault("session.name", defaultSessionName)
	configViper.SetDefault("node.id", "")
	configViper.SetDefault("poll.interval", defaultPollInterval.String())
	configViper.SetDefault("jobs.workers", defaultWorkerCount)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("control.token_ttl_hours", defaultTokenTTLHours)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SessionName:   configViper.GetString("session.name"),
		NodeID:        configViper.GetString("node.id"),
		PollInterval:  configViper.GetDuration("poll.interval"),
		Workers:       configViper.GetInt("jobs.workers"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("control.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("control.token_ttl_hours")) * time.Hour,
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
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
	if strings.TrimSpace(c.SessionName) == "" {
		return fmt.Errorf("session.name is required")
	}
	return nil
}
