package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"ledgersync/internal/authority"
	"ledgersync/internal/client"
	"ledgersync/internal/config"
	"ledgersync/internal/core"
	"ledgersync/internal/log"
	"ledgersync/internal/push"
	"ledgersync/internal/revalidate"
	"ledgersync/internal/store"
)

// ledgersyncd runs the sync engine headless: initial load, interval
// revalidation and the push channel, logging snapshot versions as they
// converge. A UI embeds internal/client the same way this daemon does.
func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	logger.Info("Starting ledgersyncd")

	cfg := config.Load()
	if err := cfg.ValidateClient(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	var transport push.Transport
	if cfg.AMQPURL != "" {
		transport = push.NewAMQPTransport(cfg.AMQPURL, cfg.AMQPExchange, logger)
	}

	c := client.New(client.Options{
		UserID:    cfg.UserID,
		Authority: authority.NewClient(cfg.ServerURL, cfg.UserID, logger),
		Transport: transport,
		Revalidate: revalidate.Config{
			Interval:    cfg.RefreshInterval,
			OnFocus:     true,
			OnReconnect: true,
		},
		Push: push.Config{
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		logger.Error("Initial load failed", log.FieldError, err)
		os.Exit(1)
	}

	_, unsubscribe := c.Subscribe(store.KeyDashboard, func(_ store.Key, value any) {
		d, ok := value.(core.Dashboard)
		if !ok {
			return
		}
		logger.Info("Dashboard updated",
			log.FieldVersion, d.Version,
			"to_be_assigned", d.ToBeAssigned.String())
	})
	defer unsubscribe()

	// SIGHUP doubles as a focus-regained signal for a headless run.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logger.Info("Focus trigger received")
			c.Focus(ctx)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	c.Stop()
	logger.Info("Stopped")
}
