package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Debounce != 400*time.Millisecond {
		t.Fatalf("Debounce = %s", cfg.Debounce)
	}
	if cfg.AttachInterval != 2*time.Second {
		t.Fatalf("AttachInterval = %s", cfg.AttachInterval)
	}
	if cfg.ArchiveURL != "http://localhost:8000" {
		t.Fatalf("ArchiveURL = %q", cfg.ArchiveURL)
	}
	if cfg.CredentialKey != "access_token" {
		t.Fatalf("CredentialKey = %q", cfg.CredentialKey)
	}
	if cfg.DebounceMaxWait != 0 {
		t.Fatalf("expected max wait disabled, got %s", cfg.DebounceMaxWait)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DEBOUNCE_MS", "300")
	t.Setenv("ARCHIVE_URL", "https://archive.example.com/")
	t.Setenv("OUTBOX_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Debounce != 300*time.Millisecond {
		t.Fatalf("Debounce = %s", cfg.Debounce)
	}
	if cfg.ArchiveURL != "https://archive.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ArchiveURL)
	}
	if cfg.OutboxEnabled {
		t.Fatalf("expected outbox disabled")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DEBOUNCE_MS":          "0",
		"ATTACH_INTERVAL_MS":   "-1",
		"OUTBOX_MAX_ATTEMPTS":  "0",
		"ARCHIVE_URL":          "not a url",
		"DEBOUNCE_MAX_WAIT_MS": "100",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}
