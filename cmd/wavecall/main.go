package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wavecall/wavecall/internal/api"
	"github.com/wavecall/wavecall/internal/call"
	"github.com/wavecall/wavecall/internal/config"
	"github.com/wavecall/wavecall/internal/gateway"
	"github.com/wavecall/wavecall/internal/notify"
	"github.com/wavecall/wavecall/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting wavecall",
		"http_port", cfg.HTTPPort,
		"public_url", cfg.PublicURL,
	)

	// Open the store and run migrations.
	db, err := store.Open(cfg.DBDSN)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// Media gateway client with the global cluster configuration.
	gw := gateway.NewClient(gateway.Config{
		API:      cfg.GatewayAPI,
		Gateways: cfg.GatewayList(),
		Token:    cfg.GatewaySecret,
		Record:   cfg.GatewayRecord,
	}, st.Groups)
	if !gw.Configured() {
		slog.Warn("media gateway not fully configured, calls will fail until it is")
	}

	// Push senders: APNs and FCM, whichever are configured.
	dispatcher, err := buildDispatcher(cfg)
	if err != nil {
		slog.Error("failed to initialise push senders", "error", err)
		os.Exit(1)
	}

	sip := notify.NewSIPNotifier(cfg.SIPPushURL, cfg.SIPPushToken)
	if !sip.Configured() {
		slog.Info("sip bridge not configured, legacy fallback disabled")
	}

	orch := call.NewOrchestrator(st, gw, dispatcher, sip, call.Config{
		PublicURL:     cfg.PublicURL,
		FallbackDelay: cfg.PushFallbackDelay,
		CallTimeout:   cfg.CallTimeout,
	})

	handler := api.NewServer(st, orch, gw, cfg, jwtSecret)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("wavecall stopped")
}

// buildDispatcher wires the configured push senders into one dispatcher.
// Running without any sender is allowed for SIP-only deployments.
func buildDispatcher(cfg *config.Config) (*notify.Dispatcher, error) {
	senders := map[string]notify.Sender{}

	if cfg.APNsConfigured() {
		apns, err := notify.NewAPNsSender(notify.APNsConfig{
			KeyFile:  cfg.APNsKeyFile,
			KeyID:    cfg.APNsKeyID,
			TeamID:   cfg.APNsTeamID,
			BundleID: cfg.APNsTopic,
			Sandbox:  cfg.APNsSandbox,
		})
		if err != nil {
			return nil, err
		}
		senders["apns"] = apns
	}

	if cfg.FCMCredentials != "" {
		fcm, err := notify.NewFCMSender(context.Background(), cfg.FCMCredentials)
		if err != nil {
			return nil, err
		}
		senders["fcm"] = fcm
	}

	if len(senders) == 0 {
		slog.Warn("no push senders configured, devices cannot be rung over push")
	}

	return notify.NewDispatcher(notify.NewMultiSender(senders), cfg.PushConcurrency), nil
}
