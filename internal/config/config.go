// Package config reads OrderPipe's settings once at startup.
//
// Settings are a flat key/value map: the process environment, with an optional .env file
// filling in keys the environment does not set. Catalog templates read the same map, so
// prices and payment details are plain settings such as PRICE_OIL or BANK_NAME.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/util"
)

// Setting keys read by the engine itself. Catalog templates may reference any other key.
const (
	KeyCatalog      = "CATALOG"
	KeyBusinessName = "BUSINESS_NAME"
	KeyChurchName   = "CHURCH_NAME"
	KeyAdminNumber  = "ADMIN_NUMBER"
	KeyStateDir     = "ORDERPIPE_STATE_DIR"
	KeySessionDSN   = "SESSION_DB_DSN"
	KeyWhatsAppDSN  = "WHATSAPP_DB_DSN"
	KeyDatabaseURL  = "DATABASE_URL"
	KeySendRate     = "SEND_RATE"
	KeySendBurst    = "SEND_BURST"
	KeySaveReceipts = "SAVE_RECEIPTS"
)

// Defaults
const (
	DefaultCatalog            = "ministry"
	DefaultStateDir           = "/var/lib/orderpipe"
	DefaultSessionFileName    = "sessions.json"
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	DefaultReceiptDirName     = "receipts"
	DefaultSendRate           = 2.0
	DefaultSendBurst          = 5
)

// ErrInvalidSetting is returned for a setting that cannot be parsed.
var ErrInvalidSetting = errors.New("invalid setting")

// Config holds the resolved settings.
type Config struct {
	Catalog      string
	BusinessName string
	AdminNumber  string
	StateDir     string
	SessionDSN   string
	WhatsAppDSN  string
	SendRate     float64
	SendBurst    int
	SaveReceipts bool

	// Settings is the full flat map handed to the catalog.
	Settings map[string]string
}

// ReceiptDir is where receipt copies are kept when SaveReceipts is on.
func (c Config) ReceiptDir() string {
	return filepath.Join(c.StateDir, DefaultReceiptDirName)
}

// Load reads the optional env file and overlays the process environment on it.
// A missing env file is not an error.
func Load(envFile string) (Config, error) {
	settings := map[string]string{}
	if envFile != "" {
		fileVals, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			settings = fileVals
			slog.Debug("successfully loaded .env file", "path", envFile, "keys", len(fileVals))
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("no .env file found", "path", envFile)
		default:
			return Config{}, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			settings[k] = v
		}
	}
	return FromSettings(settings)
}

// FromSettings resolves a Config from a flat settings map. The map is copied.
func FromSettings(in map[string]string) (Config, error) {
	settings := make(map[string]string, len(in)+1)
	for k, v := range in {
		settings[k] = strings.TrimSpace(v)
	}
	if settings[KeyBusinessName] == "" && settings[KeyChurchName] != "" {
		settings[KeyBusinessName] = settings[KeyChurchName]
		slog.Debug("Using CHURCH_NAME as BUSINESS_NAME")
	}

	cfg := Config{
		Catalog:      settings[KeyCatalog],
		BusinessName: settings[KeyBusinessName],
		AdminNumber:  settings[KeyAdminNumber],
		StateDir:     settings[KeyStateDir],
		SessionDSN:   settings[KeySessionDSN],
		WhatsAppDSN:  settings[KeyWhatsAppDSN],
		Settings:     settings,
	}
	if cfg.Catalog == "" {
		cfg.Catalog = DefaultCatalog
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
		slog.Debug("No ORDERPIPE_STATE_DIR set, using default", "default_state_dir", cfg.StateDir)
	}
	if cfg.WhatsAppDSN == "" {
		cfg.WhatsAppDSN = settings[KeyDatabaseURL]
	}
	cfg.ApplyStateDir(cfg.StateDir)

	var err error
	if cfg.SendRate, err = util.ParseFloat(settings[KeySendRate], DefaultSendRate); err != nil {
		return Config{}, fmt.Errorf("%w %s=%q: %v", ErrInvalidSetting, KeySendRate, settings[KeySendRate], err)
	}
	if cfg.SendBurst, err = util.ParseInt(settings[KeySendBurst], DefaultSendBurst); err != nil {
		return Config{}, fmt.Errorf("%w %s=%q: %v", ErrInvalidSetting, KeySendBurst, settings[KeySendBurst], err)
	}
	save, ok := util.ParseBool(settings[KeySaveReceipts], false)
	if !ok {
		return Config{}, fmt.Errorf("%w %s=%q: not a boolean", ErrInvalidSetting, KeySaveReceipts, settings[KeySaveReceipts])
	}
	cfg.SaveReceipts = save

	slog.Debug("settings loaded",
		"catalog", cfg.Catalog,
		"business_name", cfg.BusinessName,
		"admin_set", cfg.AdminNumber != "",
		"state_dir", cfg.StateDir,
		"session_dsn_type", store.DetectDSNType(cfg.SessionDSN),
		"send_rate", cfg.SendRate,
		"save_receipts", cfg.SaveReceipts)
	return cfg, nil
}

// ApplyStateDir moves the state directory and every DSN still pointing at the old default
// location. Explicitly configured DSNs are left alone.
func (c *Config) ApplyStateDir(dir string) {
	oldSession := filepath.Join(c.StateDir, DefaultSessionFileName)
	oldWhatsApp := DefaultWhatsAppDSN(c.StateDir)
	c.StateDir = dir
	if c.SessionDSN == "" || c.SessionDSN == oldSession {
		c.SessionDSN = filepath.Join(dir, DefaultSessionFileName)
	}
	if c.WhatsAppDSN == "" || c.WhatsAppDSN == oldWhatsApp {
		c.WhatsAppDSN = DefaultWhatsAppDSN(dir)
	}
}

// DefaultWhatsAppDSN is the device store inside dir, with the foreign keys whatsmeow expects.
func DefaultWhatsAppDSN(dir string) string {
	return "file:" + filepath.Join(dir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}
