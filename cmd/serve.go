package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/auth"
	"github.com/fbettag/kasa-web-controller/internal/config"
	"github.com/fbettag/kasa-web-controller/internal/database"
	"github.com/fbettag/kasa-web-controller/internal/handlers"
	"github.com/fbettag/kasa-web-controller/internal/kasa"
	"github.com/fbettag/kasa-web-controller/internal/manager"
	"github.com/fbettag/kasa-web-controller/internal/mqtt"
	"github.com/fbettag/kasa-web-controller/internal/unifi"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	listenAddr string
	dbPath     string
)

func init() {
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
		c.Flags().StringVar(&dbPath, "database", "", "Path to database file (overrides config)")
	}
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	Long: `Loads the whitelist, starts one command queue per device, runs an
initial discovery sweep and serves the HTTP API until interrupted.`,
	RunE: runServe,
}

func buildManager(cfg *config.Config, db *database.DB, logger *logrus.Logger) (*manager.Manager, error) {
	entries, err := cfg.Whitelist()
	if err != nil {
		return nil, fmt.Errorf("invalid device whitelist: %w", err)
	}
	if len(entries) == 0 {
		logger.Warn("No devices configured; add some with 'kasa-web-controller whitelist add'")
	}

	opts := manager.Options{
		Transport:        kasa.New(logger),
		Queue:            cfg.Queue,
		HealthInterval:   cfg.Health.Interval,
		DiscoveryTimeout: cfg.Discovery.Timeout,
		DefaultTarget:    cfg.Discovery.Target,
		Logger:           logger,
	}
	if db != nil {
		opts.Recorder = db
	}
	if cfg.UniFi.ControllerURL != "" {
		logger.Infof("Using UniFi controller %s as address resolver", cfg.UniFi.ControllerURL)
		opts.Resolver = unifi.NewClient(
			cfg.UniFi.ControllerURL,
			cfg.UniFi.Username,
			cfg.UniFi.Password,
			cfg.UniFi.SiteID,
			logger,
		)
	}

	return manager.New(entries, opts)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig("")
	if err != nil {
		return err
	}

	logger.Infof("Starting Kasa Web Controller %s", Version)

	databasePath := cfg.DatabasePath
	if dbPath != "" {
		databasePath = dbPath
		logger.Infof("Using database path from command line: %s", databasePath)
	}
	addr := cfg.Listen
	if listenAddr != "" {
		addr = listenAddr
	}

	db, err := database.Initialize(databasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	mgr, err := buildManager(cfg, db, logger)
	if err != nil {
		return err
	}

	hub := handlers.NewHub(logger)
	mgr.Subscribe(hub)

	var bridge *mqtt.Bridge
	if cfg.MQTT.Broker != "" {
		b, berr := mqtt.NewBridge(mgr, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if berr != nil {
			logger.Errorf("MQTT bridge disabled: %v", berr)
		} else {
			bridge = b
			mgr.Subscribe(bridge)
			bridge.Start()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)

	sweep := cfg.Discovery.Timeout
	if sweep <= 0 {
		sweep = manager.DefaultDiscoveryTimeout
	}
	go func() {
		dctx, cancel := context.WithTimeout(ctx, 2*sweep+time.Second)
		defer cancel()
		if _, err := mgr.DiscoverAll(dctx); err != nil {
			logger.Warnf("Initial discovery failed: %v", err)
		}
	}()

	sessionStore := auth.NewSessionStore(cfg.SessionSecret)

	app := &handlers.App{
		Config:       cfg,
		Manager:      mgr,
		DB:           db,
		Logger:       logger,
		SessionStore: sessionStore,
		Hub:          hub,
		Version:      Version,
	}
	go app.StartCleanupJob(ctx)

	// WriteTimeout leaves room for a full recovery ladder behind a PATCH.
	server := &http.Server{
		Addr:         addr,
		Handler:      app.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Queue.LadderTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Errorf("HTTP shutdown: %v", serr)
	}
	hub.Close()
	if bridge != nil {
		bridge.Stop()
	}
	mgr.Stop()

	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}
