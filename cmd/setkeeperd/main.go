package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"tailscale.com/tsnet"

	"github.com/claude/setkeeper/internal/app"
	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/config"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/mcp"
	"github.com/claude/setkeeper/internal/metrics"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/notify"
	"github.com/claude/setkeeper/internal/remote"
	"github.com/claude/setkeeper/internal/server"
	"github.com/claude/setkeeper/internal/storage"
	"github.com/claude/setkeeper/internal/syncq"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	migrateOnly := flag.Bool("migrate-only", false, "run Postgres migrations and exit")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log.Info("setkeeper starting", "version", Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Optional Postgres sink
	var db *storage.DB
	if cfg.Database.Enabled() {
		dsn := cfg.Database.DSN()
		if err := storage.RunMigrations(dsn); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("migrations applied")
		if *migrateOnly {
			log.Info("migrate-only: exiting")
			return
		}
		db, err = storage.New(ctx, dsn)
		if err != nil {
			log.Error("failed to connect database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		log.Info("database connected")
	} else if *migrateOnly {
		log.Error("migrate-only needs a database section")
		os.Exit(1)
	}

	store, err := kv.OpenSQLite(cfg.Store.Path, cfg.Store.QuotaBytes)
	if err != nil {
		log.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Tailscale, when enabled, carries both the status API and outbound
	// deliveries.
	var tsServer *tsnet.Server
	var httpClient *http.Client
	if cfg.Tailscale.Enabled {
		tsServer = &tsnet.Server{
			Hostname: cfg.Tailscale.Hostname,
			Dir:      cfg.Tailscale.StateDir,
		}
		if err := tsServer.Start(); err != nil {
			log.Error("tsnet start failed", "error", err)
			os.Exit(1)
		}
		defer tsServer.Close()
		httpClient = tsServer.HTTPClient()
		httpClient.Timeout = cfg.Remote.Timeout
	}

	handlers := map[models.TaskKind]syncq.Deliverer{}
	var connectivity syncq.Connectivity
	var sink *storage.Sink
	if db != nil {
		sink = storage.NewSink(db, log)
		handlers[models.KindWorkoutSession] = sink
	}
	if cfg.Remote.URL != "" {
		client := remote.NewClient(cfg.Remote.URL, cfg.Remote.APIKey, cfg.Remote.Timeout, httpClient)
		for _, k := range []models.TaskKind{models.KindWorkoutSession, models.KindSetLog, models.KindExerciseNote} {
			handlers[k] = client
		}
		connectivity = client
		log.Info("remote delivery enabled", "url", cfg.Remote.URL)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	view := app.NewView(app.Deps{
		Store:        store,
		Bus:          bus.New(log),
		Clock:        clock.Real(),
		Handlers:     handlers,
		Connectivity: connectivity,
		Notifier:     notify.NewLog(log),
		Metrics:      metrics.New(reg),
		Log:          log,
	}, app.OptionsFromConfig(cfg))
	view.Start()

	deps := server.Deps{
		Sessions: view.Sessions,
		Storage:  view.Monitor,
		Queue:    view.Queue,
		Leader:   view.Tabs,
		Gatherer: reg,
	}
	if sink != nil {
		deps.Receiver = sink
		deps.History = db
	}
	srv := server.New(deps, cfg.Server.APIKey, log)
	srv.SetMCP(mcpserver.NewStreamableHTTPServer(mcp.New(mcp.NewLocal(view, cfg.Tabs.LeaseTimeout), Version, log)))

	// Serve over tsnet or plain HTTP
	var listener net.Listener
	if tsServer != nil {
		listener, err = tsServer.Listen("tcp", ":80")
		if err != nil {
			log.Error("tsnet listen failed", "error", err)
			os.Exit(1)
		}
		log.Info("tsnet server starting", "hostname", cfg.Tailscale.Hostname)
	} else {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			log.Error("listen failed", "addr", addr, "error", err)
			os.Exit(1)
		}
		log.Info("server starting", "addr", addr)
	}

	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := view.Stop(); err != nil {
		log.Error("view stop", "error", err)
	}
	log.Info("server stopped")
}
