package main

// Resolve debits left pending by interrupted attempts:
//   go run ./cmd/reconciler            # loop every RECONCILE_INTERVAL
//   go run ./cmd/reconciler -once      # single pass, for cron jobs

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobmatch-backend/internal/bootstrap"
	"jobmatch-backend/internal/shared/config"
)

func main() {
	once := flag.Bool("once", false, "run a single reconcile pass and exit")
	interval := flag.Duration("interval", envDuration("RECONCILE_INTERVAL", 5*time.Minute), "time between passes")
	flag.Parse()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close(context.Background())

	if *once {
		report, err := app.Reconciler.RunOnce(ctx)
		if err != nil {
			log.Printf("reconcile: %v", err)
			os.Exit(1)
		}
		if report.Errors > 0 {
			os.Exit(2)
		}
		return
	}

	if err := app.Reconciler.Run(ctx, *interval); err != nil && ctx.Err() == nil {
		log.Printf("reconciler stopped: %v", err)
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
