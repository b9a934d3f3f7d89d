// Package main is the entry point for the shield sidecar. It loads
// configuration, connects the shared cache tier, assembles the protection
// pipeline and the two listeners, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dskow/shield-core/internal/admin"
	"github.com/dskow/shield-core/internal/bulkhead"
	"github.com/dskow/shield-core/internal/cache"
	"github.com/dskow/shield-core/internal/circuitbreaker"
	"github.com/dskow/shield-core/internal/config"
	"github.com/dskow/shield-core/internal/egress"
	"github.com/dskow/shield-core/internal/health"
	"github.com/dskow/shield-core/internal/identity"
	"github.com/dskow/shield-core/internal/logging"
	"github.com/dskow/shield-core/internal/metrics"
	"github.com/dskow/shield-core/internal/middleware"
	"github.com/dskow/shield-core/internal/ratelimit"
	"github.com/dskow/shield-core/internal/shield"
	"github.com/dskow/shield-core/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/shield.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := buildLogger(cfg.Log)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"listen", cfg.Listen,
		"ops_listen", cfg.OpsListen,
		"dependencies", len(cfg.Dependencies),
		"l2_cache", cfg.L2Cache.Enabled,
		"tls", cfg.TLS.Enabled,
		"admin", cfg.Admin.Enabled,
	)

	metrics.Init()

	// Shared cache tier. Startup does not block on it being reachable
	// beyond the initial dial; runtime errors fail open.
	var l2 cache.Store
	if cfg.L2Cache.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := cache.ConnectNATS(ctx, cfg.L2Cache)
		cancel()
		if err != nil {
			logger.Error("failed to connect shared cache tier", "error", err, "url", cfg.L2Cache.URL)
			os.Exit(1)
		}
		defer store.Close()
		l2 = store
		logger.Info("shared cache tier connected", "bucket", cfg.L2Cache.Bucket)
	}

	cacheSvc := cache.New(l2, logger)
	defer cacheSvc.Close()

	breakers := circuitbreaker.NewRegistry(logger)
	bulkheads := bulkhead.NewRegistry()
	limiter := ratelimit.New(logger)
	defer limiter.Stop()

	sh := shield.New(cfg, breakers, bulkheads, limiter, cacheSvc, logger)

	egressHandler, err := egress.NewHandler(cfg, sh, logger)
	if err != nil {
		logger.Error("failed to build egress handler", "error", err)
		os.Exit(1)
	}

	routeFor := func(path string) string {
		for _, route := range egressHandler.Routes() {
			if egress.MatchesPrefix(path, route.Prefix) {
				return route.Dependency
			}
		}
		return "unmatched"
	}

	// Middleware chain, outermost first:
	// Recovery -> RequestID -> Logging -> BodyLimit -> Deadline -> Identity -> Egress
	var handler http.Handler = egressHandler
	handler = identity.Middleware(cfg.Identity, logger)(handler)
	handler = middleware.Deadline(cfg.Server.IngressTimeout)(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger, routeFor)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Config hot reload: file watch plus SIGHUP.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		sh.UpdateConfig(newCfg)
		if err := egressHandler.UpdateConfig(newCfg); err != nil {
			logger.Error("route reload failed, keeping previous routes", "error", err)
		}
		limiter.Invalidate()
	})
	reloader.Start()
	defer reloader.Stop()

	// Admin rides the main listener, guarded by token and allowlist, and
	// bypasses the shaping middleware.
	mainHandler := handler
	if cfg.Admin.Enabled {
		adminMux := http.NewServeMux()
		adminHandler := admin.New(reloader, breakers, bulkheads, limiter, cacheSvc, egressHandler.Routes, cfg.Admin, logger)
		adminHandler.RegisterRoutes(adminMux)
		logger.Info("admin API enabled", "allowlist", strings.Join(cfg.Admin.IPAllowlist, ","))

		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/admin/") {
				adminMux.ServeHTTP(w, r)
				return
			}
			handler.ServeHTTP(w, r)
		})
	}

	// Ops listener: probes and metrics only.
	opsMux := http.NewServeMux()
	health.New(breakers, cacheSvc, cfg.L2Cache.Enabled, logger).RegisterRoutes(opsMux)
	opsMux.Handle("/metrics", metrics.Handler())

	opsSrv := &http.Server{
		Addr:         cfg.OpsListen,
		Handler:      opsMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("ops listener starting", "addr", opsSrv.Addr)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops listener error", "error", err)
			os.Exit(1)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mainHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.TLS.Enabled {
		certLoader, err = tlsutil.NewCertLoader(cfg.TLS.CertFile, cfg.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load server certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = tlsutil.ServerConfig(cfg.TLS, certLoader)
	}

	go func() {
		logger.Info("shield starting", "addr", srv.Addr, "tls", cfg.TLS.Enabled)
		var err error
		if cfg.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	if err := opsSrv.Shutdown(ctx); err != nil {
		logger.Error("ops listener forced shutdown", "error", err)
	}

	logger.Info("shield stopped gracefully")
}

// buildLogger constructs the slog logger from config. File outputs rotate
// per the log settings; the returned closer is nil for stdout/stderr.
func buildLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out = rw
		closer = rw
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}
