package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"propledger/internal/adapters/httpapi"
	"propledger/internal/adapters/reports"
	"propledger/internal/auth"
	"propledger/internal/blob"
	"propledger/internal/config"
	"propledger/internal/core"
)

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			return a.serve(cmd.Context(), cfg)
		},
	}
	keys := append([]string{}, storageKeys...)
	keys = append(keys,
		config.KeyBlobDriver, config.KeyBlobFSRoot,
		config.KeyBlobS3Bucket, config.KeyBlobS3Region, config.KeyBlobS3Endpoint,
		config.KeyBlobS3PathStyle, config.KeyBlobS3AccessKey, config.KeyBlobS3SecretKey,
		config.KeyHTTPAddr, config.KeyShutdownTimeout,
		config.KeyJWTSecret, config.KeyJWTIssuer, config.KeyTokenTTL,
		config.KeyCacheTTL, config.KeyCacheSize, config.KeyQueryTimeout,
		config.KeyFallbackPath, config.KeyFallbackDisabled,
		config.KeyReportWorkerQueue, config.KeyTraceFile, config.KeyMetricsBackend,
	)
	return a.withFlags(cmd, keys...)
}

// serve runs until ctx ends.
func (a *app) serve(ctx context.Context, cfg config.Config) error {
	log := a.log
	if err := cfg.Auth.RequireSecret(); err != nil {
		return err
	}

	store, err := core.OpenPersistentStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics core.MetricsRecorder
	if cfg.Log.Metrics == "expvar" {
		metrics = core.NewExpvarMetricsRecorder("propledger_service")
	} else if metrics, err = core.NewPrometheusMetricsRecorder(reg); err != nil {
		_ = store.Close()
		return err
	}
	audit := core.NewZapAuditRecorder(log)

	opts := []core.Option{
		core.WithLogger(log),
		core.WithAuditRecorder(audit),
		core.WithMetricsRecorder(metrics),
		core.WithCache(cfg.Cache.Size, cfg.Cache.TTL),
		core.WithQueryTimeout(cfg.Storage.QueryTimeout),
	}
	if !cfg.Fallback.Disabled {
		fb := core.DefaultFallback()
		if cfg.Fallback.Path != "" {
			if fb, err = core.LoadFallbackFile(cfg.Fallback.Path); err != nil {
				_ = store.Close()
				return err
			}
		}
		opts = append(opts, core.WithFallback(fb))
	}
	if cfg.Log.TraceFile != "" {
		f, err := os.OpenFile(cfg.Log.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}
	svc := core.NewService(store, opts...)
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	authn, err := auth.NewAuthenticator(store, cfg.Auth, auth.WithLogger(log))
	if err != nil {
		return err
	}
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	worker := reports.NewWorker(svc, blobs,
		reports.WithLogger(log),
		reports.WithAuditRecorder(audit),
		reports.WithQueueSize(cfg.ReportQueueSize),
	)
	worker.Start()

	httpOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithReports(worker),
		httpapi.WithMetrics(reg),
		httpapi.WithHealthCheck(func(ctx context.Context) error {
			_, err := store.ListTenants(ctx)
			return err
		}),
	}
	if cfg.Log.Metrics == "expvar" {
		httpOpts = append(httpOpts, httpapi.WithDebugVars())
	}
	handler, err := httpapi.NewServer(svc, authn, httpOpts...)
	if err != nil {
		_ = worker.Stop(context.Background())
		return err
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		_ = worker.Stop(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.Bool("fallback", !cfg.Fallback.Disabled),
	)
	if a.ready != nil {
		a.ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
		log.Info("shutting down", zap.Duration("timeout", cfg.HTTP.ShutdownTimeout))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		log.Warn("report worker shutdown", zap.Error(err))
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
