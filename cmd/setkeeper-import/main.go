package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/config"
	"github.com/claude/setkeeper/internal/ingest"
	"github.com/claude/setkeeper/internal/ingest/alpha"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/syncq"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	csvPath := flag.String("file", "", "path to an Alpha Progression CSV export (required)")
	dryRun := flag.Bool("dry-run", false, "parse and report counts without enqueueing")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *csvPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: setkeeper-import -config config.yaml -file export.csv [-dry-run]\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Error("failed to open export", "path", *csvPath, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	var queue alpha.Enqueuer
	if *dryRun {
		log.Info("DRY RUN mode: nothing will be enqueued")
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

		// The queue is never started here; the running daemon's leader view
		// delivers on its next poll.
		queue = syncq.New(store, bus.New(log), clock.Real(), syncq.Options{Log: log})
	}

	res, err := alpha.NewImporter(queue, log).Import(context.Background(), f, *dryRun)
	if err != nil {
		log.Error("import failed", "error", err)
		if res != nil {
			printResult(log, res)
		}
		os.Exit(1)
	}
	printResult(log, res)
	log.Info("import complete")
}

func printResult(log *slog.Logger, res *ingest.Result) {
	log.Info("import stats",
		"sessions_received", res.SessionsReceived,
		"sets_received", res.SetsReceived,
		"warmups_skipped", res.WarmupsSkipped,
		"sessions_rejected", res.SessionsRejected,
		"tasks_enqueued", res.TasksEnqueued,
	)
	if len(res.RejectedIDs) > 0 {
		log.Info("rejected sessions", "ids", res.RejectedIDs)
	}
}
