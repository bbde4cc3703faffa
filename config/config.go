// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAPIHost      = "https://public.api.bsky.app"
	defaultSessionHost  = "https://bsky.social"
	defaultPollInterval = 60 * time.Second
	defaultFetchLimit   = 20
	defaultPollWorkers  = 4
	defaultDatabasePath = "./data/bluesky-notifier.db"
	defaultPort         = "8080"
)

// Config holds everything read from the environment at startup. Changing any
// of it requires a restart.
type Config struct {
	// Bluesky API access.
	APIHost     string // AppView host for reads
	SessionHost string // PDS host for createSession
	Identifier  string // Optional: account identifier for authenticated reads
	AppPassword string // Optional: app password, required when Identifier is set

	// Polling.
	PollInterval time.Duration
	FetchLimit   int
	PollWorkers  int

	// Storage and HTTP.
	DatabasePath string
	Port         string

	// Channel credentials. Presence decides which channels get registered.
	GoogleCredentialsJSON string
	BrevoAPIKey           string
	EmailFrom             string
	EmailTo               string
	DesktopProvider       string // "beeep", "console", or "" to disable
	MockNotifications     bool
}

// Load reads .env (if present) and the process environment.
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using process environment only")
	}

	cfg := &Config{
		APIHost:               envOr("BLUESKY_API_HOST", defaultAPIHost),
		SessionHost:           envOr("BLUESKY_SESSION_HOST", defaultSessionHost),
		Identifier:            os.Getenv("BLUESKY_IDENTIFIER"),
		AppPassword:           os.Getenv("BLUESKY_APP_PASSWORD"),
		PollInterval:          defaultPollInterval,
		FetchLimit:            defaultFetchLimit,
		PollWorkers:           defaultPollWorkers,
		DatabasePath:          envOr("DATABASE_PATH", defaultDatabasePath),
		Port:                  envOr("PORT", defaultPort),
		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		BrevoAPIKey:           os.Getenv("BREVO_API_KEY"),
		EmailFrom:             os.Getenv("EMAIL_FROM"),
		EmailTo:               os.Getenv("EMAIL_TO"),
		DesktopProvider:       envOr("DESKTOP_PROVIDER", "beeep"),
		MockNotifications:     envBool("MOCK_NOTIFICATIONS"),
	}

	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse POLL_INTERVAL: %w", err)
		}
		if d < time.Second {
			return nil, errors.New("POLL_INTERVAL must be at least 1s")
		}
		cfg.PollInterval = d
	}

	var err error
	if cfg.FetchLimit, err = envInt("FETCH_LIMIT", defaultFetchLimit); err != nil {
		return nil, err
	}
	if cfg.FetchLimit < 1 || cfg.FetchLimit > 100 {
		return nil, errors.New("FETCH_LIMIT must be between 1 and 100")
	}
	if cfg.PollWorkers, err = envInt("POLL_WORKERS", defaultPollWorkers); err != nil {
		return nil, err
	}
	if cfg.PollWorkers < 1 {
		return nil, errors.New("POLL_WORKERS must be at least 1")
	}

	if cfg.Identifier != "" && cfg.AppPassword == "" {
		return nil, errors.New("BLUESKY_APP_PASSWORD required when BLUESKY_IDENTIFIER is set")
	}

	// Email channel needs a provider credential plus addressing.
	if cfg.EmailConfigured() && (cfg.EmailFrom == "" || cfg.EmailTo == "") {
		return nil, errors.New("EMAIL_FROM and EMAIL_TO required when an email provider is configured")
	}

	return cfg, nil
}

// EmailConfigured reports whether any email provider credential is present.
func (c *Config) EmailConfigured() bool {
	return c.GoogleCredentialsJSON != "" || c.BrevoAPIKey != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
