package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atahubbr/atahub_backend/arpsync"
	"github.com/atahubbr/atahub_backend/config"
	"github.com/atahubbr/atahub_backend/models"
)

func main() {
	limit := flag.Int("limit", 50, "Maximum number of errors to replay in this sweep.")
	flag.Parse()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	summary, err := arpsync.ReprocessErrors(sigCtx, *limit)
	fmt.Printf("attempted=%d resolved=%d failed=%d\n", summary.Attempted, summary.Resolved, summary.Failed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reprocess stopped: %v\n", err)
		os.Exit(1)
	}
}
