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

	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/health"
	"github.com/flowpbx/voicebridge/internal/mailer"
	"github.com/flowpbx/voicebridge/internal/media"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/orchestrator"
	"github.com/flowpbx/voicebridge/internal/pbxctl"
	"github.com/flowpbx/voicebridge/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting voicebridge",
		"ari_app", cfg.ARIApp,
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
		"rtp_port_start", cfg.RTPPortStart,
		"health_port", cfg.HealthPort,
	)

	pool, err := media.NewPool(cfg.RTPPortStart, cfg.MaxConcurrentCalls, logger)
	if err != nil {
		logger.Error("failed to create rtp port pool", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	mail := mailer.NewSender(logger)

	pbx := pbxctl.NewClient(pbxctl.Config{
		BaseURL:  cfg.ARIURL,
		Username: cfg.ARIUsername,
		Password: cfg.ARIPassword,
		App:      cfg.ARIApp,
	}, logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := pbx.Start(appCtx); err != nil {
		logger.Error("failed to connect to pbx-ctl", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(cfg, pool, reg, pbx, mail, logger)
	go orch.Run(appCtx)

	collector := metrics.NewCollector(reg, pool, orch, orch, orch, time.Now())
	prometheus.MustRegister(collector)

	healthSrv := health.NewServer(pbx, time.Now())
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:      healthSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutMS) * time.Millisecond
	if shutdownTimeout <= 0 {
		shutdownTimeout = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	appCancel()
	orch.Shutdown(ctx)
	pbx.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("voicebridge stopped")
}
