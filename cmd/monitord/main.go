package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ministruth/monitor/internal/alert"
	"github.com/ministruth/monitor/internal/api"
	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/facade"
	"github.com/ministruth/monitor/internal/monitorserver"
	"github.com/ministruth/monitor/internal/shellbridge"
	"github.com/ministruth/monitor/internal/store"
	"github.com/ministruth/monitor/internal/updater"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	tcpAddr      string
	httpAddr     string
	dbDriver     string
	dbDSN        string
	secretKey    string
	logLevel     string
	dataDir      string
	msgTimeout   int
	alertTimeout int
	webhookURL   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "monitord",
		Short: "monitord — remote agent monitoring server",
		Long: `monitord accepts encrypted agent connections over TCP, tracks their
state in an in-memory directory, and exposes a REST API for collaborators
to list agents, run commands, and open interactive shells.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.tcpAddr, "tcp-addr", envOrDefault("MONITOR_TCP_ADDR", "0.0.0.0:4242"), "wire listener address for agent connections")
	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("MONITOR_HTTP_ADDR", ":8080"), "REST API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("MONITOR_DB_DRIVER", "sqlite"), "database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("MONITOR_DB_DSN", "./monitor.db"), "database DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("MONITOR_SECRET_KEY", ""), "master key for encrypting the agent certificate at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MONITOR_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("MONITOR_DATA_DIR", "./data"), "directory for server data")
	root.PersistentFlags().IntVar(&cfg.msgTimeout, "msg-timeout", envOrDefaultInt("MONITOR_MSG_TIMEOUT", 30), "seconds without an inbound message before a connection is dropped")
	root.PersistentFlags().IntVar(&cfg.alertTimeout, "alert-timeout", envOrDefaultInt("MONITOR_ALERT_TIMEOUT", 180), "seconds since last status before an agent is considered offline")
	root.PersistentFlags().StringVar(&cfg.webhookURL, "alert-webhook", envOrDefault("MONITOR_ALERT_WEBHOOK", ""), "webhook URL for offline-agent alerts (empty disables delivery)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("monitord %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or MONITOR_SECRET_KEY")
	}

	logger.Info("starting monitord",
		zap.String("version", version),
		zap.String("tcp_addr", cfg.tcpAddr),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %q: %w", cfg.dataDir, err)
	}

	// --- Encryption at rest ---
	// InitEncryption must run before any store operation touching
	// Settings.certificate, whose EncryptedString fields encrypt/decrypt
	// transparently on write/read. The key is padded or truncated to 32
	// bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := store.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- Database ---
	gormDB, err := store.Open(store.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	agentStore := store.NewAgentStore(gormDB)
	passiveStore := store.NewPassiveAgentStore(gormDB)
	settingStore := store.NewSettingStore(gormDB)

	// --- Directory ---
	dir := directory.New(agentStore)
	if err := dir.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to hydrate agent directory: %w", err)
	}

	// --- Shell bridge + websocket hub ---
	shellHub := api.NewShellHub()
	bridge := shellbridge.New(dir, shellHub)

	// --- Offline alert sink ---
	var alertSink alert.Sink
	if cfg.webhookURL == "" {
		alertSink = alert.NoopSink{}
	} else {
		alertSink = alert.NewWebhookSink(cfg.webhookURL, logger)
	}

	// --- Settings bootstrap ---
	settingsView, err := settingStore.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	hotSettings := monitorserver.Settings{
		MsgTimeout:   settingsDuration(settingsView.MsgTimeout, cfg.msgTimeout),
		AlertTimeout: settingsDuration(settingsView.AlertTimeout, cfg.alertTimeout),
	}

	// --- TCP server ---
	srv := monitorserver.New(monitorserver.Config{
		Directory:     dir,
		PassiveAgents: passiveStore,
		AgentStore:    agentStore,
		ShellRouter:   bridge,
		BinProvider:   updater.SessionAdapter{Provider: updater.NoopProvider{}},
		AlertSink:     alertSink,
		Logger:        logger,
	}, hotSettings)

	listenAddr := settingsView.Address
	if listenAddr == "" {
		listenAddr = cfg.tcpAddr
	}
	if settingsView.Certificate != nil {
		if err := srv.Start(ctx, listenAddr, settingsView.Certificate); err != nil {
			logger.Warn("failed to auto-start wire listener from persisted settings", zap.Error(err))
		}
	} else {
		logger.Info("no certificate configured yet, wire listener stays idle until one is generated via the REST API")
	}

	// --- Service facade ---
	svc := facade.New(dir, agentStore)

	// --- REST server ---
	shellHandler := api.NewShellHandler(bridge, shellHub, logger)
	router := api.NewRouter(api.RouterConfig{
		Facade:        svc,
		PassiveAgents: passiveStore,
		PassiveConn:   srv,
		Settings:      settingStore,
		Server:        srv,
		ShellHandler:  shellHandler,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down monitord")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	srv.Stop()

	logger.Info("monitord stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// settingsDuration prefers the persisted setting, falling back to the flag
// default when the store has never been written to (zero value).
func settingsDuration(persisted, fallback int) time.Duration {
	if persisted > 0 {
		return time.Duration(persisted) * time.Second
	}
	return time.Duration(fallback) * time.Second
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}
