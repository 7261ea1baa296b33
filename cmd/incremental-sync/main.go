package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atahubbr/atahub_backend/arpsync"
	"github.com/atahubbr/atahub_backend/config"
	"github.com/atahubbr/atahub_backend/models"
)

func main() {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	run, err := arpsync.RunIncremental(sigCtx, models.IngestTriggeredManual)
	if run != nil {
		fmt.Printf("run=%d type=%s status=%s window=%s..%s pages=%d/%d\n",
			run.ID, run.RunType, run.Status,
			formatDate(run.DateStart), formatDate(run.DateEnd),
			run.LastPage, run.TotalPages)
		fmt.Printf("arps: fetched=%d inserted=%d updated=%d skipped=%d\n",
			run.ArpsFetched, run.ArpsInserted, run.ArpsUpdated, run.ArpsSkipped)
		fmt.Printf("items: fetched=%d inserted=%d updated=%d skipped=%d\n",
			run.ItemsFetched, run.ItemsInserted, run.ItemsUpdated, run.ItemsSkipped)
		fmt.Printf("errors=%d duration=%s\n", run.ErrorCount, (time.Duration(run.DurationMs) * time.Millisecond).String())
	}
	if err != nil {
		if errors.Is(err, arpsync.ErrRunConflict) {
			fmt.Fprintln(os.Stderr, "an incremental run is already running; resume or wait for it")
		} else {
			fmt.Fprintf(os.Stderr, "incremental sync failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "?"
	}
	return t.Format("2006-01-02")
}
