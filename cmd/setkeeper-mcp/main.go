package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/claude/setkeeper/internal/app"
	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/config"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/mcp"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	remoteURL := flag.String("remote", "", "setkeeperd base URL; reads the local store when empty")
	apiKey := flag.String("api-key", "", "API key for mutating calls in remote mode")
	flag.Parse()

	// stdout carries the protocol.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var ds mcp.DataSource
	if *remoteURL != "" {
		ds = mcp.NewHTTPClient(*remoteURL, *apiKey, nil)
		log.Info("mcp remote mode", "url", *remoteURL)
	} else {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		store, err := kv.OpenSQLite(cfg.Store.Path, cfg.Store.QuotaBytes)
		if err != nil {
			log.Error("failed to open store", "path", cfg.Store.Path, "error", err)
			os.Exit(1)
		}
		defer store.Close()

		opts := app.OptionsFromConfig(cfg)
		opts.ViewID = "mcp-" + uuid.NewString()
		view := app.NewView(app.Deps{Store: store, Bus: bus.New(log), Clock: clock.Real(), Log: log}, opts)
		ds = mcp.NewLocal(view, cfg.Tabs.LeaseTimeout)
	}

	if err := server.ServeStdio(mcp.New(ds, Version, log)); err != nil {
		log.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}
