package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/config"
	"github.com/BTreeMap/OrderPipe/internal/flow"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.FromSettings(map[string]string{})
	if err != nil {
		t.Fatalf("FromSettings failed: %v", err)
	}
	return cfg
}

func parseArgs(t *testing.T, cfg config.Config, args ...string) Flags {
	t.Helper()
	fs := flag.NewFlagSet("orderpipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags, err := parseCommandLineFlags(fs, args, cfg)
	if err != nil {
		t.Fatalf("parseCommandLineFlags failed: %v", err)
	}
	return flags
}

func TestParseCommandLineFlagsDefaults(t *testing.T) {
	cfg := defaultConfig(t)
	got := applyFlags(cfg, parseArgs(t, cfg))

	if got.StateDir != config.DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", config.DefaultStateDir, got.StateDir)
	}
	if got.Catalog != config.DefaultCatalog {
		t.Errorf("Expected default catalog %q, got %q", config.DefaultCatalog, got.Catalog)
	}
	if got.SessionDSN != cfg.SessionDSN || got.WhatsAppDSN != cfg.WhatsAppDSN {
		t.Errorf("DSNs changed without flags: %q %q", got.SessionDSN, got.WhatsAppDSN)
	}
}

func TestParseCommandLineFlagsStateDirUpdate(t *testing.T) {
	cfg := defaultConfig(t)
	newStateDir := "/tmp/new_state"

	got := applyFlags(cfg, parseArgs(t, cfg, "-state-dir", newStateDir))

	expectedWhatsAppDSN := "file:" + filepath.Join(newStateDir, config.DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	if got.WhatsAppDSN != expectedWhatsAppDSN {
		t.Errorf("Expected updated WhatsApp DSN %q, got %q", expectedWhatsAppDSN, got.WhatsAppDSN)
	}
	expectedSessionDSN := filepath.Join(newStateDir, config.DefaultSessionFileName)
	if got.SessionDSN != expectedSessionDSN {
		t.Errorf("Expected updated session DSN %q, got %q", expectedSessionDSN, got.SessionDSN)
	}
}

func TestParseCommandLineFlagsExplicitDSNWins(t *testing.T) {
	cfg := defaultConfig(t)

	got := applyFlags(cfg, parseArgs(t, cfg,
		"-state-dir", "/tmp/new_state",
		"-session-dsn", "postgres://u:p@localhost/orders",
		"-catalog", "transport",
	))

	if got.SessionDSN != "postgres://u:p@localhost/orders" {
		t.Errorf("Expected explicit session DSN, got %q", got.SessionDSN)
	}
	if got.Catalog != "transport" {
		t.Errorf("Expected catalog transport, got %q", got.Catalog)
	}
}

func TestEnsureDirectoriesExist(t *testing.T) {
	tempDir := t.TempDir()
	cfg := defaultConfig(t)
	cfg.ApplyStateDir(filepath.Join(tempDir, "state"))
	cfg.SessionDSN = filepath.Join(tempDir, "subdir", "sessions.json")
	cfg.SaveReceipts = true

	if err := ensureDirectoriesExist(cfg); err != nil {
		t.Fatalf("ensureDirectoriesExist failed: %v", err)
	}
	for _, dir := range []string{cfg.StateDir, filepath.Join(tempDir, "subdir"), cfg.ReceiptDir()} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("Directory %s was not created", dir)
		}
	}
}

func TestBuildWhatsAppOptions(t *testing.T) {
	cfg := defaultConfig(t)
	flags := parseArgs(t, cfg, "-qr-output", "/tmp/qr.txt", "-numeric-code")

	opts := buildWhatsAppOptions(cfg, flags)
	if len(opts) != 3 {
		t.Errorf("Expected 3 WhatsApp options, got %d", len(opts))
	}
}

func TestBuildOrderAndReceiptOptions(t *testing.T) {
	settings := map[string]string{
		"BANK_NAME": "FNB", "ACCOUNT_NUMBER": "1", "BRANCH_CODE": "2", "PAYSHARP_NUMBER": "3",
		"PRICE_TRANSFER_BASE": "150", "PRICE_PER_KM": "8.75", "PRICE_SHUTTLE_SEAT": "120", "PRICE_PARCEL": "95",
	}
	catalog, err := flow.LoadCatalog("transport", settings)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	cfg := defaultConfig(t)
	if n := len(buildOrderOptions(cfg, catalog)); n != 2 {
		t.Errorf("Expected 2 order options, got %d", n)
	}
	cfg.SaveReceipts = true
	if n := len(buildOrderOptions(cfg, catalog)); n != 3 {
		t.Errorf("Expected 3 order options with saved receipts, got %d", n)
	}
	if n := len(buildReceiptOptions(catalog)); n != 1 {
		t.Errorf("Expected tagline option for transport catalog, got %d options", n)
	}
}
