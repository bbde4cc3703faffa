package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BLUESKY_API_HOST", "BLUESKY_SESSION_HOST", "BLUESKY_IDENTIFIER", "BLUESKY_APP_PASSWORD",
		"POLL_INTERVAL", "FETCH_LIMIT", "POLL_WORKERS", "DATABASE_PATH", "PORT",
		"GOOGLE_CREDENTIALS_JSON", "BREVO_API_KEY", "EMAIL_FROM", "EMAIL_TO",
		"DESKTOP_PROVIDER", "MOCK_NOTIFICATIONS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIHost != defaultAPIHost {
		t.Errorf("APIHost = %s", cfg.APIHost)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %s, want 60s", cfg.PollInterval)
	}
	if cfg.FetchLimit != 20 {
		t.Errorf("FetchLimit = %d, want 20", cfg.FetchLimit)
	}
	if cfg.PollWorkers != 4 {
		t.Errorf("PollWorkers = %d, want 4", cfg.PollWorkers)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.EmailConfigured() {
		t.Error("EmailConfigured() = true with no credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_INTERVAL", "5m")
	t.Setenv("FETCH_LIMIT", "50")
	t.Setenv("POLL_WORKERS", "8")
	t.Setenv("PORT", "9090")

	cfg, err := Load(testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %s, want 5m", cfg.PollInterval)
	}
	if cfg.FetchLimit != 50 {
		t.Errorf("FetchLimit = %d, want 50", cfg.FetchLimit)
	}
	if cfg.PollWorkers != 8 {
		t.Errorf("PollWorkers = %d, want 8", cfg.PollWorkers)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %s, want 9090", cfg.Port)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"sub-second poll interval", "POLL_INTERVAL", "100ms"},
		{"unparseable poll interval", "POLL_INTERVAL", "sometimes"},
		{"fetch limit too low", "FETCH_LIMIT", "0"},
		{"fetch limit too high", "FETCH_LIMIT", "500"},
		{"fetch limit not a number", "FETCH_LIMIT", "many"},
		{"zero workers", "POLL_WORKERS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(testLogger()); err == nil {
				t.Errorf("Load() with %s=%s succeeded, want error", tt.key, tt.val)
			}
		})
	}
}

func TestLoadIdentifierRequiresPassword(t *testing.T) {
	clearEnv(t)
	t.Setenv("BLUESKY_IDENTIFIER", "me.example")

	if _, err := Load(testLogger()); err == nil {
		t.Error("Load() with identifier but no app password succeeded, want error")
	}

	t.Setenv("BLUESKY_APP_PASSWORD", "xxxx-xxxx-xxxx-xxxx")
	if _, err := Load(testLogger()); err != nil {
		t.Errorf("Load() with full credentials error = %v", err)
	}
}

func TestLoadEmailRequiresAddressing(t *testing.T) {
	clearEnv(t)
	t.Setenv("BREVO_API_KEY", "key")

	if _, err := Load(testLogger()); err == nil {
		t.Error("Load() with provider but no addresses succeeded, want error")
	}

	t.Setenv("EMAIL_FROM", "bot@example.com")
	t.Setenv("EMAIL_TO", "me@example.com")
	cfg, err := Load(testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.EmailConfigured() {
		t.Error("EmailConfigured() = false with Brevo key set")
	}
}
