// Package config loads gateway settings from config.yml plus the
// environment. The YAML file is optional; every field has a default
// matching the documented behavior.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// OAuthConfig controls the interactive login flows.
type OAuthConfig struct {
	CallbackPortStart int `yaml:"callback-port-start"`
	CallbackPortEnd   int `yaml:"callback-port-end"`
	AuthTimeout       int `yaml:"auth-timeout"`
	PollInterval      int `yaml:"poll-interval"`
}

// Config is the full gateway configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ProxyAPIKey guards the downstream surface (chat, models,
	// management). Clients send it as Bearer or x-api-key.
	ProxyAPIKey string `yaml:"proxy-api-key"`

	// AuthMode selects how upstream credentials are resolved:
	// "gateway" (default) uses stored accounts or the configured
	// credential; "per_request" expects a Kiro refresh token in the
	// Authorization header of each request.
	AuthMode string `yaml:"auth-mode"`

	// Single-credential settings, used when no accounts are stored.
	RefreshToken  string `yaml:"refresh-token"`
	ProfileArn    string `yaml:"profile-arn"`
	KiroRegion    string `yaml:"kiro-region"`
	KiroCredsFile string `yaml:"kiro-creds-file"`

	// DatabaseURL selects the account store backend. Normally supplied
	// through the environment, but accepted in YAML too.
	DatabaseURL  string `yaml:"database-url"`
	AccountsFile string `yaml:"accounts-file"`

	// Streaming watchdog settings, in seconds.
	FirstTokenTimeout    float64 `yaml:"first-token-timeout"`
	StreamingReadTimeout float64 `yaml:"streaming-read-timeout"`
	FirstTokenMaxRetries int     `yaml:"first-token-max-retries"`

	// RefreshInterval is the fallback refresh cadence in seconds when
	// token expiry is unknown.
	RefreshInterval int `yaml:"refresh-interval"`

	OAuth OAuthConfig `yaml:"oauth"`

	LoggingLevel  string `yaml:"logging-level"`
	LogFile       string `yaml:"log-file"`
	RequestLog    bool   `yaml:"request-log"`
	UsageStats    bool   `yaml:"usage-statistics-enabled"`
	AvailableMods []string `yaml:"models"`
}

// DefaultModels is served by /v1/models when no list is configured.
var DefaultModels = []string{
	"claude-opus-4-5",
	"claude-opus-4-5-20251101",
	"claude-haiku-4-5",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
}

func defaults() *Config {
	return &Config{
		Host:                 "0.0.0.0",
		Port:                 8000,
		ProxyAPIKey:          "changeme_proxy_secret",
		AuthMode:             "gateway",
		KiroRegion:           "us-east-1",
		AccountsFile:         "kiro_accounts.json",
		FirstTokenTimeout:    15,
		StreamingReadTimeout: 300,
		FirstTokenMaxRetries: 3,
		RefreshInterval:      1800,
		OAuth: OAuthConfig{
			CallbackPortStart: 19876,
			CallbackPortEnd:   19880,
			AuthTimeout:       600,
			PollInterval:      5,
		},
		LoggingLevel: "info",
		UsageStats:   true,
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// fine; a malformed one is an error. DATABASE_URL from the environment
// overrides the YAML value.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PROXY_API_KEY"); v != "" {
		cfg.ProxyAPIKey = v
	}
	if v := os.Getenv("REFRESH_TOKEN"); v != "" {
		cfg.RefreshToken = v
	}
	if v := os.Getenv("PROFILE_ARN"); v != "" {
		cfg.ProfileArn = v
	}

	cfg.warnTimeouts()
	return cfg, nil
}

// warnTimeouts flags a first-token timeout that can never fire before the
// read timeout kills the stream.
func (c *Config) warnTimeouts() {
	if c.FirstTokenTimeout >= c.StreamingReadTimeout {
		log.Warnf("suboptimal timeout configuration: first-token-timeout (%.0fs) >= streaming-read-timeout (%.0fs); first-token-timeout should be less", c.FirstTokenTimeout, c.StreamingReadTimeout)
	}
}

// Models returns the configured model list or the default.
func (c *Config) Models() []string {
	if len(c.AvailableMods) > 0 {
		return c.AvailableMods
	}
	return DefaultModels
}

// FirstTokenTimeoutDuration converts the configured seconds.
func (c *Config) FirstTokenTimeoutDuration() time.Duration {
	return time.Duration(c.FirstTokenTimeout * float64(time.Second))
}

// StreamingReadTimeoutDuration converts the configured seconds.
func (c *Config) StreamingReadTimeoutDuration() time.Duration {
	return time.Duration(c.StreamingReadTimeout * float64(time.Second))
}

// Watch reloads the config whenever the file changes and hands the result
// to onChange. Invalid updates are logged and skipped. The watcher stops
// when the returned func is called.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.WithError(err).Warn("config reload failed, keeping previous configuration")
					continue
				}
				log.Info("configuration reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
