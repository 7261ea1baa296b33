package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/atahubbr/atahub_backend/config"
	"github.com/atahubbr/atahub_backend/models"
	"github.com/atahubbr/atahub_backend/utils"
)

func main() {
	runId := flag.Int("run-id", 0, "Ingest run to export errors for.")
	out := flag.String("out", "", "Output path. Defaults to ingest-errors-<run-id>.xlsx.")
	upload := flag.Bool("upload", false, "Upload the report to GCS_BUCKET instead of writing a local file.")
	flag.Parse()

	if *runId <= 0 {
		fmt.Fprintln(os.Stderr, "--run-id is required")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	var run models.IngestRun
	if err := db.WithContext(ctx).Where("id = ?", *runId).Take(&run).Error; err != nil {
		fmt.Fprintf(os.Stderr, "run %d: %v\n", *runId, err)
		os.Exit(1)
	}

	var errs []models.IngestError
	if err := db.WithContext(ctx).Where("ingest_run_id = ?", run.ID).Order("id asc").Find(&errs).Error; err != nil {
		fmt.Fprintf(os.Stderr, "listing errors: %v\n", err)
		os.Exit(1)
	}

	f := excelize.NewFile()
	if _, err := f.NewSheet("Sheet1"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	headers := []string{"ID", "Category", "EntityType", "EntityId", "Endpoint", "Message", "Retryable", "RetryCount", "Resolved", "CreatedAt"}
	for i, h := range headers {
		col := string(rune('A' + i))
		f.SetCellValue("Sheet1", col+"1", h)
	}
	for i, e := range errs {
		row := fmt.Sprint(i + 2)
		f.SetCellValue("Sheet1", "A"+row, e.ID)
		f.SetCellValue("Sheet1", "B"+row, e.Category)
		f.SetCellValue("Sheet1", "C"+row, e.EntityType)
		f.SetCellValue("Sheet1", "D"+row, e.EntityId)
		f.SetCellValue("Sheet1", "E"+row, e.Endpoint)
		f.SetCellValue("Sheet1", "F"+row, e.Message)
		f.SetCellValue("Sheet1", "G"+row, e.Retryable)
		f.SetCellValue("Sheet1", "H"+row, e.RetryCount)
		f.SetCellValue("Sheet1", "I"+row, e.Resolved)
		f.SetCellValue("Sheet1", "J"+row, e.CreatedAt.UTC().Format(time.RFC3339))
	}

	name := strings.TrimSpace(*out)
	if name == "" {
		name = fmt.Sprintf("ingest-errors-%d.xlsx", run.ID)
	}

	if *upload {
		buf, err := f.WriteToBuffer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "building report: %v\n", err)
			os.Exit(1)
		}
		if err := utils.UploadBytesToGCS(ctx, name, buf.Bytes(),
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"); err != nil {
			fmt.Fprintf(os.Stderr, "uploading report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("uploaded %s (%d errors, run status=%s)\n", name, len(errs), run.Status)
		return
	}

	if err := f.SaveAs(name); err != nil {
		fmt.Fprintf(os.Stderr, "writing report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d errors, run status=%s)\n", name, len(errs), run.Status)
}
