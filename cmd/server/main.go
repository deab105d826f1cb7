package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustgate/internal/audit"
	"trustgate/internal/config"
	"trustgate/internal/credential"
	"trustgate/internal/db"
	"trustgate/internal/devices"
	"trustgate/internal/events"
	"trustgate/internal/handlers"
	"trustgate/internal/heartbeat"
	"trustgate/internal/logging"
	"trustgate/internal/middleware"
	"trustgate/internal/monitor"
	"trustgate/internal/notify"
	"trustgate/internal/ratelimit"
	"trustgate/internal/registration"
	"trustgate/internal/replay"
	"trustgate/internal/rotation"
	"trustgate/internal/stream"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "trustgate-server",
		Short:         "Device trust and session enforcement server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate()
		},
	})

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("trustgate-server: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, nil, errors.Wrap(err, "load config")
	}
	logger, err := logging.New(cfg.Debug, cfg.LogDir)
	if err != nil {
		return cfg, nil, errors.Wrap(err, "init logging")
	}
	return cfg, logger, nil
}

func migrate() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	conn, err := db.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("schema up to date", zap.String("db_path", cfg.DBPath))
	return nil
}

func adminHash(cfg config.Config, logger *zap.Logger) ([]byte, error) {
	switch {
	case cfg.AdminKeyHash != "":
		return []byte(cfg.AdminKeyHash), nil
	case cfg.AdminKey != "":
		return middleware.HashAdminKey(cfg.AdminKey)
	default:
		logger.Warn("no admin_key or admin_key_hash configured, admin API disabled")
		return nil, nil
	}
}

func serve() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	hash, err := adminHash(cfg, logger)
	if err != nil {
		return errors.Wrap(err, "hash admin key")
	}

	guard, err := replay.NewGuard(ctx,
		replay.WithMaxSkew(cfg.MaxClockSkew),
		replay.WithWindow(cfg.NonceWindow))
	if err != nil {
		return err
	}
	defer guard.Close()

	ipLimiter := ratelimit.NewSlidingWindow(cfg.IPLimit, cfg.RateWindow)
	credLimiter := ratelimit.NewSlidingWindow(cfg.CredentialLimit, cfg.RateWindow)
	go ipLimiter.Run(ctx, cfg.RateWindow)
	go credLimiter.Run(ctx, cfg.RateWindow)

	bus := events.NewBus(logger)
	rec := audit.NewRecorder(conn, logger)
	locks := devices.NewLocks()
	vault := credential.NewVault()

	hub := stream.NewHub(bus, logger)
	api := handlers.New(handlers.Deps{
		DB:           conn,
		Registration: registration.NewService(conn, vault, locks, rec, bus, logger),
		Heartbeat: heartbeat.NewPipeline(conn, guard, credLimiter, locks, rec, bus, heartbeat.Config{
			Timeout:          cfg.HeartbeatTimeout,
			RotationMaxAge:   cfg.RotationMaxAge,
			NoncePolicy:      replay.ParsePolicy(cfg.NoncePolicy),
			RequireSignature: cfg.RequireSignature,
		}, logger),
		Rotation:          rotation.NewService(conn, vault, locks, rec, bus, logger),
		Registry:          devices.NewRegistry(conn, locks, rec, bus, logger),
		Stream:            hub,
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	dispatcher := notify.NewDispatcher(bus, nil, notify.Config{
		URLs:        cfg.NotifyURLs,
		MinSeverity: events.ParseSeverity(cfg.NotifyMinSeverity),
		Cooldown:    cfg.NotifyCooldown,
	}, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	silence := monitor.NewSilenceMonitor(conn, bus, cfg.HeartbeatInterval, cfg.SilenceMissed, logger)
	silence.Start()
	defer silence.Stop()

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.Routes(handlers.RouterConfig{
			AgentLimiter: ipLimiter,
			AdminKeyHash: hash,
			TrustProxy:   cfg.TrustProxy,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("db_path", cfg.DBPath),
			zap.String("nonce_policy", cfg.NoncePolicy))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	return checkpoint(conn, logger)
}

// checkpoint folds the WAL back into the main database file on exit.
func checkpoint(conn *sql.DB, logger *zap.Logger) error {
	if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Warn("wal checkpoint failed", zap.Error(err))
	}
	return nil
}
