package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSettings_Defaults(t *testing.T) {
	cfg, err := FromSettings(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, DefaultCatalog, cfg.Catalog)
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, filepath.Join(DefaultStateDir, DefaultSessionFileName), cfg.SessionDSN)
	assert.Equal(t, "file:"+filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on", cfg.WhatsAppDSN)
	assert.Equal(t, DefaultSendRate, cfg.SendRate)
	assert.Equal(t, DefaultSendBurst, cfg.SendBurst)
	assert.False(t, cfg.SaveReceipts)
	assert.Equal(t, filepath.Join(DefaultStateDir, "receipts"), cfg.ReceiptDir())
}

func TestFromSettings_ChurchNameFallback(t *testing.T) {
	cfg, err := FromSettings(map[string]string{"CHURCH_NAME": "Fountain of Prayer Ministries"})
	require.NoError(t, err)
	assert.Equal(t, "Fountain of Prayer Ministries", cfg.BusinessName)
	assert.Equal(t, "Fountain of Prayer Ministries", cfg.Settings[KeyBusinessName])

	cfg, err = FromSettings(map[string]string{"CHURCH_NAME": "Old", "BUSINESS_NAME": "Molo-Tech Transportation"})
	require.NoError(t, err)
	assert.Equal(t, "Molo-Tech Transportation", cfg.BusinessName)
}

func TestFromSettings_ExplicitValues(t *testing.T) {
	in := map[string]string{
		"CATALOG":             "transport",
		"ADMIN_NUMBER":        " 27820000000 ",
		"ORDERPIPE_STATE_DIR": "/srv/orderpipe",
		"SESSION_DB_DSN":      "postgres://u:p@db/orders",
		"DATABASE_URL":        "postgres://u:p@db/whatsapp",
		"SEND_RATE":           "0",
		"SEND_BURST":          "1",
		"SAVE_RECEIPTS":       "yes",
		"PRICE_PARCEL":        "95",
	}
	cfg, err := FromSettings(in)
	require.NoError(t, err)

	assert.Equal(t, "transport", cfg.Catalog)
	assert.Equal(t, "27820000000", cfg.AdminNumber)
	assert.Equal(t, "/srv/orderpipe", cfg.StateDir)
	assert.Equal(t, "postgres://u:p@db/orders", cfg.SessionDSN)
	assert.Equal(t, "postgres://u:p@db/whatsapp", cfg.WhatsAppDSN)
	assert.Equal(t, 0.0, cfg.SendRate)
	assert.Equal(t, 1, cfg.SendBurst)
	assert.True(t, cfg.SaveReceipts)
	assert.Equal(t, "95", cfg.Settings["PRICE_PARCEL"])

	in["PRICE_PARCEL"] = "100"
	assert.Equal(t, "95", cfg.Settings["PRICE_PARCEL"], "settings map is copied")
}

func TestFromSettings_Invalid(t *testing.T) {
	for key, val := range map[string]string{
		KeySendRate:     "fast",
		KeySendBurst:    "-1",
		KeySaveReceipts: "sometimes",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := FromSettings(map[string]string{key: val})
			assert.ErrorIs(t, err, ErrInvalidSetting)
		})
	}
}

func TestApplyStateDir(t *testing.T) {
	cfg, err := FromSettings(map[string]string{})
	require.NoError(t, err)

	cfg.ApplyStateDir("/tmp/orderpipe")
	assert.Equal(t, "/tmp/orderpipe", cfg.StateDir)
	assert.Equal(t, "/tmp/orderpipe/sessions.json", cfg.SessionDSN)
	assert.Equal(t, "file:/tmp/orderpipe/whatsmeow.db?_foreign_keys=on", cfg.WhatsAppDSN)

	cfg, err = FromSettings(map[string]string{KeySessionDSN: "/data/sessions.db"})
	require.NoError(t, err)
	cfg.ApplyStateDir("/tmp/orderpipe")
	assert.Equal(t, "/data/sessions.db", cfg.SessionDSN, "explicit DSN is kept")
}

func TestLoad_EnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PRICE_OIL=20\nBANK_NAME=FNB\nCATALOG=transport\n"), 0o600))
	t.Setenv("CATALOG", "ministry")

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "ministry", cfg.Catalog, "environment wins over the env file")
	assert.Equal(t, "20", cfg.Settings["PRICE_OIL"])
	assert.Equal(t, "FNB", cfg.Settings["BANK_NAME"])
}

func TestLoad_MissingEnvFile(t *testing.T) {
	t.Setenv("CATALOG", "transport")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, "transport", cfg.Catalog)
}
