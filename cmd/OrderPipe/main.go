package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BTreeMap/OrderPipe/internal/config"
	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/lockfile"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/order"
	"github.com/BTreeMap/OrderPipe/internal/receipt"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/supervisor"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

func main() {
	// Initialize structured logger
	initializeLogger()

	cfg, err := config.Load(DefaultEnvFile)
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(1)
	}
	cfg = applyFlags(cfg, flags)

	if err := ensureDirectoriesExist(cfg); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping OrderPipe", "catalog", cfg.Catalog, "state_dir", cfg.StateDir)
	if err := run(cfg, flags); err != nil {
		if errors.Is(err, supervisor.ErrLoggedOut) {
			slog.Error("WhatsApp session was logged out. Remove the WhatsApp device database and restart to pair again.",
				"whatsapp_dsn_type", store.DetectDSNType(cfg.WhatsAppDSN))
		} else {
			slog.Error("OrderPipe failed to run", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("OrderPipe exited successfully")
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	catalog     *string
	sessionDSN  *string
	whatsappDSN *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags parses command line arguments with settings as defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg config.Config) (Flags, error) {
	flags := Flags{
		qrOutput:    fs.String("qr-output", "", "path to write login QR code"),
		numeric:     fs.Bool("numeric-code", false, "print the raw pairing code instead of a QR code"),
		stateDir:    fs.String("state-dir", cfg.StateDir, "state directory for OrderPipe data (overrides $ORDERPIPE_STATE_DIR)"),
		catalog:     fs.String("catalog", cfg.Catalog, fmt.Sprintf("service catalog, one of %v (overrides $CATALOG)", flow.Names())),
		sessionDSN:  fs.String("session-dsn", cfg.SessionDSN, "session store DSN: *.json file, SQLite path, Postgres URL or 'memory' (overrides $SESSION_DB_DSN)"),
		whatsappDSN: fs.String("wa-dsn", cfg.WhatsAppDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"catalog", *flags.catalog,
		"sessionDSN_type", store.DetectDSNType(*flags.sessionDSN),
		"whatsappDSN_set", *flags.whatsappDSN != "")
	return flags, nil
}

// applyFlags overlays flag values on the settings. A new state directory also moves every
// DSN that still points at the old default location.
func applyFlags(cfg config.Config, flags Flags) config.Config {
	sessionDefault, waDefault := cfg.SessionDSN, cfg.WhatsAppDSN
	if *flags.stateDir != cfg.StateDir {
		cfg.ApplyStateDir(*flags.stateDir)
		slog.Debug("Updated DSNs based on state directory", "new_state_dir", cfg.StateDir)
	}
	if *flags.sessionDSN != sessionDefault {
		cfg.SessionDSN = *flags.sessionDSN
	}
	if *flags.whatsappDSN != waDefault {
		cfg.WhatsAppDSN = *flags.whatsappDSN
	}
	cfg.Catalog = *flags.catalog
	return cfg
}

// ensureDirectoriesExist creates the state directory and the parent of a file-based session store
func ensureDirectoriesExist(cfg config.Config) error {
	dirs := []string{cfg.StateDir}
	switch store.DetectDSNType(cfg.SessionDSN) {
	case store.DSNTypeJSON, store.DSNTypeSQLite:
		dirs = append(dirs, filepath.Dir(cfg.SessionDSN))
	}
	if cfg.SaveReceipts {
		dirs = append(dirs, cfg.ReceiptDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg config.Config, flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if cfg.WhatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsAppDSN))
	}
	return waOpts
}

// buildOrderOptions constructs order coordinator options
func buildOrderOptions(cfg config.Config, catalog *flow.Catalog) []order.Option {
	opts := []order.Option{
		order.WithBusinessName(catalog.Business),
		order.WithAdminRecipient(cfg.AdminNumber),
	}
	if cfg.SaveReceipts {
		opts = append(opts, order.WithReceiptDir(cfg.ReceiptDir()))
	}
	return opts
}

// buildReceiptOptions constructs receipt renderer options
func buildReceiptOptions(catalog *flow.Catalog) []receipt.Option {
	var opts []receipt.Option
	if catalog.Tagline != "" {
		opts = append(opts, receipt.WithTagline(catalog.Tagline))
	}
	return opts
}

// run wires the modules and blocks until a signal arrives or the transport is logged out.
func run(cfg config.Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.AcquireLock(cfg.StateDir, cfg.Catalog)
	if err != nil {
		return err
	}
	defer lock.Release()

	catalog, err := flow.LoadCatalog(cfg.Catalog, cfg.Settings)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	slog.Info("Catalog loaded", "catalog", catalog.Name, "business", catalog.Business, "states", len(catalog.States()))

	sessions, err := store.Open(store.WithDSN(cfg.SessionDSN))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			slog.Error("Failed to close session store", "error", err)
		}
	}()

	wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg, flags)...)
	if err != nil {
		return err
	}
	svc := messaging.NewWhatsAppService(wa, messaging.WithSendRate(cfg.SendRate, cfg.SendBurst))
	coordinator := order.NewCoordinator(svc, receipt.NewPNGRenderer(buildReceiptOptions(catalog)...), buildOrderOptions(cfg, catalog)...)
	handler := messaging.NewResponseHandler(flow.NewRouter(catalog), sessions, svc, coordinator)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		handler.Run(ctx, svc.Inbound())
	}()

	sup := supervisor.New(wa,
		supervisor.WithOnQR(whatsapp.QRPresenter(wa.Opts())),
		supervisor.WithOnReady(func() {
			slog.Info("OrderPipe ready", "catalog", catalog.Name, "admin_set", cfg.AdminNumber != "")
		}),
	)
	runErr := sup.Run(ctx)

	stop()
	svc.Stop()
	<-handlerDone

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
