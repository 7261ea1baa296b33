package arpsync

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atahubbr/atahub_backend/models"
)

// ErrRunConflict is returned when a run of the same type is already running.
var ErrRunConflict = errors.New("an ingest run of this type is already running")

// beginRun opens a new run, or adopts the latest still-running run of the
// same type when resume is set (the crash-recovery path; the crawl then
// continues from the adopted run's LastPage+1 over its original date range).
// At most one run per type may be running; the row lock keeps two triggers
// from both passing the check.
func beginRun(ctx context.Context, db *gorm.DB, runType string, dateStart, dateEnd time.Time, triggeredBy string, cfg runConfig, resume bool) (*models.IngestRun, error) {
	var run *models.IngestRun
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running models.IngestRun
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("run_type = ? AND status = ?", runType, models.IngestRunStatusRunning).
			Order("id desc").
			Take(&running).Error
		switch {
		case err == nil:
			if resume {
				run = &running
				return nil
			}
			return ErrRunConflict
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		now := time.Now().UTC()
		created := models.IngestRun{
			RunType:     runType,
			Status:      models.IngestRunStatusRunning,
			TriggeredBy: triggeredBy,
			DateStart:   &dateStart,
			DateEnd:     &dateEnd,
			StartedAt:   &now,
			ConfigJSON:  encodeRunConfig(cfg),
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		run = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// checkpointRun persists the page cursor and counters after each page. Dry
// runs carry an unsaved row (ID 0) and skip the write.
func checkpointRun(ctx context.Context, db *gorm.DB, run *models.IngestRun) error {
	if run.ID == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"last_page":      run.LastPage,
		"total_pages":    run.TotalPages,
		"arps_fetched":   run.ArpsFetched,
		"arps_inserted":  run.ArpsInserted,
		"arps_updated":   run.ArpsUpdated,
		"arps_skipped":   run.ArpsSkipped,
		"arps_deleted":   run.ArpsDeleted,
		"items_fetched":  run.ItemsFetched,
		"items_inserted": run.ItemsInserted,
		"items_updated":  run.ItemsUpdated,
		"items_skipped":  run.ItemsSkipped,
		"items_deleted":  run.ItemsDeleted,
		"error_count":    run.ErrorCount,
	}).Error
}

func completeRun(ctx context.Context, db *gorm.DB, run *models.IngestRun, status string) error {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if run.StartedAt != nil {
		run.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if run.ID == 0 {
		return nil
	}
	if err := checkpointRun(ctx, db, run); err != nil {
		return err
	}
	return db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":      run.Status,
		"finished_at": run.FinishedAt,
		"duration_ms": run.DurationMs,
	}).Error
}

func findRun(ctx context.Context, db *gorm.DB, id uint) (*models.IngestRun, error) {
	var run models.IngestRun
	err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// incrementalWindow derives the date range for an incremental run: from the
// end of the last completed run minus a lookback that absorbs late upstream
// edits, until today.
func incrementalWindow(ctx context.Context, db *gorm.DB, cfg runConfig) (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)

	var last models.IngestRun
	err := db.WithContext(ctx).
		Where("status = ? AND date_end IS NOT NULL", models.IngestRunStatusCompleted).
		Order("date_end desc").
		Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return InitialStartDate(), end, nil
	case err != nil:
		return time.Time{}, time.Time{}, err
	}

	start := last.DateEnd.AddDate(0, 0, -cfg.LookbackDays)
	if start.After(end) {
		start = end
	}
	return start, end, nil
}

// InitialStartDate is where history begins when nothing has been loaded yet.
func InitialStartDate() time.Time {
	v := strings.TrimSpace(os.Getenv("ARP_INITIAL_START"))
	if v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t
		}
	}
	return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
}
