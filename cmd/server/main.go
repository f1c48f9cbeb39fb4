package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"snapload/internal/cleanup"
	"snapload/internal/config"
	"snapload/internal/database"
	"snapload/internal/metrics"
	"snapload/internal/progress"
	"snapload/internal/proxy"
	"snapload/internal/resolve"
	"snapload/internal/task"
)

func main() {
	// Optional: a .env next to the binary supplies SNAPLOAD_* overrides.
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("SNAPLOAD_CONFIG", "config.yaml"), "path to YAML config")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		slog.Error("failed to create temp dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := database.Init(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	store, err := task.NewStore(db, cfg.Retention)
	if err != nil {
		slog.Error("failed to init task store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	resolveClient := &http.Client{Timeout: cfg.ResolveTimeout}
	gateway := resolve.NewGateway(cfg.ResolveTimeout, resolve.NewGenericResolver(resolveClient, cfg.Headers))
	gateway.Register(resolve.PlatformHLS, resolve.NewHLSResolver(resolveClient, cfg.Headers))

	hub := progress.NewHub(cfg.TerminalGrace)
	m := metrics.New(prometheus.DefaultRegisterer)
	server := proxy.NewServer(cfg, store, hub, gateway, m)
	sweeper := cleanup.New(store, cfg.CleanupInterval, cfg.ActiveGrace, cfg.TerminalRetention, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Routes(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", slog.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
