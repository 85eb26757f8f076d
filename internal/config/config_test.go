package config

import (
	"os"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if v := firstNonEmpty("", "foo", "bar"); v != "foo" {
		t.Fatalf("expected 'foo', got %q", v)
	}
	if v := firstNonEmpty(); v != "" {
		t.Fatalf("expected empty, got %q", v)
	}
}

func TestIntFromEnv(t *testing.T) {
	key := "AGENTSMITHY_TEST_INT_FROM_ENV"
	old, had := os.LookupEnv(key)
	defer func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	}()

	_ = os.Unsetenv(key)
	if got := intFromEnv(key, 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
	_ = os.Setenv(key, "123")
	if got := intFromEnv(key, 7); got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}
	_ = os.Setenv(key, "not-an-int")
	if got := intFromEnv(key, 7); got != 7 {
		t.Fatalf("expected fallback to default on parse error, got %d", got)
	}
}

func TestBoolFromEnv(t *testing.T) {
	key := "AGENTSMITHY_TEST_BOOL_FROM_ENV"
	_ = os.Unsetenv(key)
	defer os.Unsetenv(key)

	if got := boolFromEnv(key, true); !got {
		t.Fatalf("expected default true")
	}
	_ = os.Setenv(key, "false")
	if got := boolFromEnv(key, true); got {
		t.Fatalf("expected false from env override")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LLM_MODEL", "SUMMARY_TRIGGER_BUDGET", "SUMMARY_KEEP_LAST_MESSAGES"} {
		_ = os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8787 {
		t.Fatalf("expected default port 8787, got %d", cfg.HTTP.Port)
	}
	if cfg.Summarization.TriggerBudget != 100_000 {
		t.Fatalf("expected default trigger budget 100000, got %d", cfg.Summarization.TriggerBudget)
	}
	if cfg.Summarization.KeepLast != 24 {
		t.Fatalf("expected default keep_last 24, got %d", cfg.Summarization.KeepLast)
	}
	if cfg.Dialogs.InspectorDialogID != "inspector" {
		t.Fatalf("expected default inspector dialog id, got %q", cfg.Dialogs.InspectorDialogID)
	}
}
