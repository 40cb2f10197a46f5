package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hslatman/go-crowdsec-remediation/bouncer"
	"github.com/hslatman/go-crowdsec-remediation/internal/metrics"
)

func newServeCommand(configPath *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the bouncer as an HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8443", "Address to listen on")

	return cmd
}

func runServe(configPath, listenAddr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return &exitError{code: exitCodeConfigError, err: err}
	}
	defer func() { _ = logger.Sync() }()

	backing, err := openBackend(cfg)
	if err != nil {
		return err
	}

	b, err := bouncer.New(cfg, backing, logger)
	if err != nil {
		return &exitError{code: exitCodeConfigError, err: err}
	}

	registry := prometheus.NewRegistry()
	b.SetMetrics(metrics.New(registry))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := b.Run(ctx); err != nil {
		return &exitError{code: exitCodeBackendUnreachable, err: err}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := b.Handle(w, r); err != nil {
			logger.Warn("bouncing error", zap.Error(err))
		}
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving", zap.String("address", listenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &exitError{code: exitCodeBackendUnreachable, err: err}
	}

	return b.Shutdown()
}
