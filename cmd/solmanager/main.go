// Package main is the entry point for the solmanager binary.
// It wires all internal packages together and starts the gateway.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger and persistent counters
//  3. Start the manager connector (serial or JSON front-end)
//  4. Wait for the manager MAC to resolve
//  5. Start the periodic publication tasks and the control API
//  6. Supervise until SIGINT/SIGTERM or a component death
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/api"
	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/dispatch"
	"github.com/realms-team/basestation-fw/internal/manager"
	"github.com/realms-team/basestation-fw/internal/periodic"
	"github.com/realms-team/basestation-fw/internal/publisher"
	"github.com/realms-team/basestation-fw/internal/snapshot"
	"github.com/realms-team/basestation-fw/internal/sol"
	"github.com/realms-team/basestation-fw/internal/statspub"
	"github.com/realms-team/basestation-fw/internal/supervisor"
	"github.com/realms-team/basestation-fw/internal/version"
)

// macPollInterval is how often startup re-checks whether the connector has
// resolved the manager MAC. Publication cannot start before it has: every
// object needs an origin address.
const macPollInterval = 2 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &appstate.Config{}
	var mode, logLevel string

	root := &cobra.Command{
		Use:   "solmanager",
		Short: "solmanager — edge gateway for a SmartMesh IP network",
		Long: `solmanager runs on the basestation next to a SmartMesh IP manager.
It collects the notifications the manager emits, converts them into
timestamped SOL objects, stores them in a local backup file, and forwards
them to the solserver aggregation server. A local HTTPS API exposes
status, resend and raw manager commands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ManagerMode = appstate.ManagerMode(mode)
			return run(cmd.Context(), cfg, logLevel)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&mode, "manager-mode", envOrDefault("SOLMGR_MANAGER_MODE", "serial"), "Manager connection mode (serial, jsonserver)")
	f.StringVar(&cfg.SerialPort, "serial-port", envOrDefault("SOLMGR_SERIAL_PORT", "/dev/ttyUSB3"), "Serial device of the manager API port")
	f.StringVar(&cfg.JSONServerHost, "jsonserver-host", envOrDefault("SOLMGR_JSONSERVER_HOST", ""), "host:port of the JSON front-end (jsonserver mode)")
	f.IntVar(&cfg.JSONServerPort, "jsonserver-port", envIntOrDefault("SOLMGR_JSONSERVER_PORT", 8080), "Inbound port for JSON front-end notifications")
	f.IntVar(&cfg.APIPort, "api-port", envIntOrDefault("SOLMGR_API_PORT", 8081), "HTTPS control API port")
	f.StringVar(&cfg.Certificate, "certificate", envOrDefault("SOLMGR_CERTIFICATE", "solmanager.cert"), "Control API TLS certificate file")
	f.StringVar(&cfg.PrivateKey, "private-key", envOrDefault("SOLMGR_PRIVATE_KEY", "solmanager.ppk"), "Control API TLS private key file")
	f.StringVar(&cfg.APIToken, "api-token", envOrDefault("SOLMGR_API_TOKEN", ""), "Shared token required in X-REALMS-Token on every control API request")
	f.StringVar(&cfg.SolServerHost, "solserver-host", envOrDefault("SOLMGR_SOLSERVER_HOST", ""), "host[:port] of the upstream solserver")
	f.StringVar(&cfg.SolServerToken, "solserver-token", envOrDefault("SOLMGR_SOLSERVER_TOKEN", ""), "Token sent as X-REALMS-Token on upstream POSTs")
	f.DurationVar(&cfg.PubFilePeriod, "period-pubfile", envDurationOrDefault("SOLMGR_PERIOD_PUBFILE", time.Minute), "Backup file write period")
	f.DurationVar(&cfg.PubServerPeriod, "period-pubserver", envDurationOrDefault("SOLMGR_PERIOD_PUBSERVER", time.Minute), "Upstream publication period")
	f.DurationVar(&cfg.SnapshotPeriod, "period-snapshot", envDurationOrDefault("SOLMGR_PERIOD_SNAPSHOT", time.Hour), "Network snapshot period")
	f.DurationVar(&cfg.StatsPeriod, "period-stats", envDurationOrDefault("SOLMGR_PERIOD_STATS", time.Minute), "Stats object publication period")
	f.StringVar(&cfg.StatsFile, "stats-file", envOrDefault("SOLMGR_STATS_FILE", "solmanager.stats"), "Persistent counter file")
	f.StringVar(&cfg.BackupFile, "backup-file", envOrDefault("SOLMGR_BACKUP_FILE", "solmanager.backup"), "Local backup file of published objects")
	f.StringVar(&logLevel, "log-level", envOrDefault("SOLMGR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("solmanager %s (sol %s, sdk %s)\n",
				version.SolManager, version.Sol, version.SDK)
		},
	}
}

func run(ctx context.Context, cfg *appstate.Config, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting solmanager",
		zap.String("version", version.SolManager.String()),
		zap.String("manager_mode", string(cfg.ManagerMode)),
		zap.String("solserver", cfg.SolServerHost),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Persistent counters ---
	stats := appstate.NewStats(cfg.StatsFile, logger)

	// --- Backup file ---
	backup, err := sol.OpenBackup(cfg.BackupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer backup.Close() //nolint:errcheck

	// --- Publishers ---
	pubFile := publisher.NewFile(backup, stats, logger)
	pubSrv := publisher.NewServer(publisher.ServerConfig{
		Endpoint: fmt.Sprintf("https://%s/api/v1/o.json", cfg.SolServerHost),
		Token:    cfg.SolServerToken,
		Period:   cfg.PubServerPeriod,
	}, stats, logger)

	// --- Manager connector ---
	// The dispatcher needs the connector for MAC and epoch projection, and
	// the connector needs the dispatcher as its notification handler. The
	// closure breaks the construction cycle; the connector is not started
	// until after disp is assigned.
	var disp *dispatch.Dispatcher
	handler := func(n sol.Notification) { disp.Handle(n) }

	var mgr manager.Connector
	switch cfg.ManagerMode {
	case appstate.ModeSerial:
		mgr = manager.NewSerial(manager.SerialConfig{Port: cfg.SerialPort}, handler, stats, logger)
	case appstate.ModeJSONServer:
		mgr = manager.NewJSONServer(manager.JSONServerConfig{
			PeerHost:   cfg.JSONServerHost,
			ListenPort: cfg.JSONServerPort,
		}, handler, stats, logger)
	}
	disp = dispatch.New(mgr, stats, logger, pubFile, pubSrv)

	mgrErr := make(chan error, 1)
	go func() { mgrErr <- mgr.Run(ctx) }()

	// --- Wait for the manager MAC ---
	if err := waitForManagerMAC(ctx, mgr, logger); err != nil {
		return err
	}

	// --- Periodic tasks ---
	snap := snapshot.New(mgr, stats, logger, pubFile, pubSrv)
	statsPub := statspub.New(mgr, stats, logger, pubFile, pubSrv)

	runner, err := periodic.NewRunner(stats, logger)
	if err != nil {
		return err
	}
	for _, task := range []struct {
		name   string
		period time.Duration
		fn     func(ctx context.Context)
	}{
		{"pubfile", cfg.PubFilePeriod, pubFile.Drain},
		{"pubserver", cfg.PubServerPeriod, pubSrv.Drain},
		{"snapshot", cfg.SnapshotPeriod, snap.Collect},
		{"stats", cfg.StatsPeriod, statsPub.Publish},
	} {
		if err := runner.Schedule(task.name, task.period, task.fn); err != nil {
			return err
		}
	}
	runner.Start(ctx)

	// --- Control API ---
	apiSrv := api.New(api.Config{
		Port:        cfg.APIPort,
		Certificate: cfg.Certificate,
		PrivateKey:  cfg.PrivateKey,
		Token:       cfg.APIToken,
	}, mgr, snap, pubSrv, backup, stats, logger)
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiSrv.Run(ctx) }()

	// --- Supervise ---
	sup := supervisor.New(logger)
	sup.Watch("manager", mgr.Alive)
	sup.Watch("api", apiSrv.Alive)
	sup.Watch("periodic", runner.Healthy)

	runErr := sup.Run(ctx)
	cancel()

	// Collect connector and listener shutdown errors. A clean ctx-driven
	// stop returns nil from both.
	if err := <-mgrErr; err != nil && runErr == nil {
		runErr = err
	}
	if err := <-apiErr; err != nil && runErr == nil {
		runErr = err
	}

	shutdown(runner, pubFile, pubSrv, logger)

	logger.Info("solmanager stopped")
	return runErr
}

// waitForManagerMAC blocks until the connector has resolved the manager's
// address, polling on a short interval.
func waitForManagerMAC(ctx context.Context, mgr manager.Connector, logger *zap.Logger) error {
	ticker := time.NewTicker(macPollInterval)
	defer ticker.Stop()

	for {
		mac, err := mgr.ManagerMAC(ctx)
		if err == nil {
			logger.Info("manager MAC resolved", zap.String("mac", mac.String()))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted before the manager MAC resolved: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// shutdown runs one last best-effort drain of both publishers so buffered
// objects survive a restart, then stops the scheduler.
func shutdown(runner *periodic.Runner, pubFile *publisher.File, pubSrv *publisher.Server, logger *zap.Logger) {
	if err := runner.Stop(); err != nil {
		logger.Warn("scheduler shutdown failed", zap.Error(err))
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer dcancel()
	pubFile.Drain(dctx)
	pubSrv.Drain(dctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
