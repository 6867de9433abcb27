package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EnvOnlyDefaults(t *testing.T) {
	t.Setenv("ESCROW_DB_DSN", "postgres://localhost/escrow")
	t.Setenv("ESCROW_LEDGER_MAX_ATTEMPTS", "7")

	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.DSN != "postgres://localhost/escrow" {
		t.Errorf("expected dsn from env, got %q", cfg.DB.DSN)
	}
	if cfg.Ledger.MaxAttempts != 7 {
		t.Errorf("expected max attempts from env, got %d", cfg.Ledger.MaxAttempts)
	}
	if cfg.Settlement.AutoConfirmAfter != 0 {
		t.Errorf("expected auto-confirm disabled by default, got %s", cfg.Settlement.AutoConfirmAfter)
	}
	if cfg.Ledger.InitialBackoff != 200*time.Millisecond {
		t.Errorf("unexpected initial backoff %s", cfg.Ledger.InitialBackoff)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  http_addr: \":9090\"\nsettlement:\n  auto_confirm_after: 72h\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("expected addr from file, got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Settlement.AutoConfirmAfter != 72*time.Hour {
		t.Errorf("expected 72h auto-confirm, got %s", cfg.Settlement.AutoConfirmAfter)
	}
	if cfg.Cron.Sweep == "" {
		t.Errorf("expected default sweep schedule")
	}
}
