package arpsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/atahubbr/atahub_backend/config"
	"github.com/atahubbr/atahub_backend/models"
)

const scheduleTriggerKey = "ingest:last_schedule_trigger"

func TriggerFullHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerFullRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		dateStart, err := time.Parse("2006-01-02", req.DateStart)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date_start must be YYYY-MM-DD"})
			return
		}
		dateEnd, err := time.Parse("2006-01-02", req.DateEnd)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date_end must be YYYY-MM-DD"})
			return
		}
		if dateEnd.Before(dateStart) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date_end is before date_start"})
			return
		}

		db := config.GetDB()
		run, err := beginRun(c.Request.Context(), db, models.IngestRunTypeFull, dateStart, dateEnd, models.IngestTriggeredManual, defaultRunConfig(), req.Resume)
		if err != nil {
			if errors.Is(err, ErrRunConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishIngestRun(c.Request.Context(), run.ID)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func TriggerIncrementalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, status, err := queueIncrementalRun(c, models.IngestTriggeredManual, false)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

// ScheduleIncrementalHandler is the endpoint an external scheduler hits once
// a day. A short redis lock sheds duplicate pings, and a crashed scheduled
// run from an earlier day is adopted instead of piling up conflicts.
func ScheduleIncrementalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if locker := config.GetRedisLock(); locker != nil {
			_, err := locker.Obtain(c.Request.Context(), "ingest:schedule:incremental", time.Minute, nil)
			if err == redislock.ErrNotObtained {
				c.JSON(http.StatusOK, gin.H{"skipped": true})
				return
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			// The lock is left to expire so retried pings inside the window
			// are shed too.
		}

		run, status, err := queueIncrementalRun(c, models.IngestTriggeredSchedule, true)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		_ = config.SetRedisValue(scheduleTriggerKey, time.Now().UTC().Format(time.RFC3339), 0)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func queueIncrementalRun(c *gin.Context, triggeredBy string, resume bool) (*models.IngestRun, int, error) {
	ctx := c.Request.Context()
	db := config.GetDB()

	cfg := defaultRunConfig()
	dateStart, dateEnd, err := incrementalWindow(ctx, db, cfg)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}

	run, err := beginRun(ctx, db, models.IngestRunTypeIncremental, dateStart, dateEnd, triggeredBy, cfg, resume)
	if err != nil {
		if errors.Is(err, ErrRunConflict) {
			return nil, http.StatusConflict, err
		}
		return nil, http.StatusInternalServerError, err
	}

	_ = PublishIngestRun(ctx, run.ID)
	return run, http.StatusOK, nil
}

func IngestStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		var running []models.IngestRun
		if err := db.Where("status = ?", models.IngestRunStatusRunning).
			Order("id desc").
			Find(&running).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := IngestStatusResponse{Running: make([]IngestRunResponse, 0, len(running))}
		for _, run := range running {
			resp.Running = append(resp.Running, mapRunToResponse(run))
		}

		lastFull, err := lastCompletedRun(db, models.IngestRunTypeFull)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.LastFull = lastFull

		lastIncremental, err := lastCompletedRun(db, models.IngestRunTypeIncremental)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.LastIncremental = lastIncremental

		if v, ok, _ := config.GetRedisValue(scheduleTriggerKey); ok {
			resp.LastScheduleTrigger = &v
		}

		c.JSON(http.StatusOK, resp)
	}
}

func IngestRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())

		q := db.Order("id desc").Limit(limit)
		if runType := strings.TrimSpace(c.Query("run_type")); runType != "" {
			q = q.Where("run_type = ?", runType)
		}
		if status := strings.TrimSpace(c.Query("status")); status != "" {
			q = q.Where("status = ?", status)
		}

		var runs []models.IngestRun
		if err := q.Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]IngestRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func IngestRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.IngestRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.IngestError
		if err := db.Where("ingest_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := IngestRunDetailResponse{
			IngestRunResponse: mapRunToResponse(run),
			Errors:            mapErrors(errs),
		}
		c.JSON(http.StatusOK, resp)
	}
}

func IngestErrorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		resolved := strings.EqualFold(strings.TrimSpace(c.Query("resolved")), "true")

		db := config.GetDB().WithContext(c.Request.Context())

		q := db.Where("resolved = ?", resolved)
		if category := strings.TrimSpace(c.Query("category")); category != "" {
			q = q.Where("category = ?", category)
		}

		var errs []models.IngestError
		if err := q.Order("id desc").Limit(limit).Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": mapErrors(errs)})
	}
}

func ResolveErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid error id"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		var rec models.IngestError
		if err := db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := markErrorResolved(ctx, db, rec.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ReprocessErrorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReprocessRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		summary, err := ReprocessErrors(c.Request.Context(), req.Limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func lastCompletedRun(db *gorm.DB, runType string) (*IngestRunResponse, error) {
	var run models.IngestRun
	err := db.Where("run_type = ? AND status = ?", runType, models.IngestRunStatusCompleted).
		Order("id desc").
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resp := mapRunToResponse(run)
	return &resp, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

func mapRunToResponse(run models.IngestRun) IngestRunResponse {
	return IngestRunResponse{
		ID:            run.ID,
		RunType:       run.RunType,
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		DateStart:     formatDate(run.DateStart),
		DateEnd:       formatDate(run.DateEnd),
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		LastPage:      run.LastPage,
		TotalPages:    run.TotalPages,
		ArpsFetched:   run.ArpsFetched,
		ArpsInserted:  run.ArpsInserted,
		ArpsUpdated:   run.ArpsUpdated,
		ArpsSkipped:   run.ArpsSkipped,
		ArpsDeleted:   run.ArpsDeleted,
		ItemsFetched:  run.ItemsFetched,
		ItemsInserted: run.ItemsInserted,
		ItemsUpdated:  run.ItemsUpdated,
		ItemsSkipped:  run.ItemsSkipped,
		ItemsDeleted:  run.ItemsDeleted,
		ErrorCount:    run.ErrorCount,
	}
}

func mapErrors(errs []models.IngestError) []IngestErrorResponse {
	out := make([]IngestErrorResponse, 0, len(errs))
	for _, e := range errs {
		out = append(out, IngestErrorResponse{
			ID:          e.ID,
			IngestRunId: e.IngestRunId,
			Category:    e.Category,
			EntityType:  e.EntityType,
			EntityId:    e.EntityId,
			Endpoint:    e.Endpoint,
			Message:     e.Message,
			Retryable:   e.Retryable,
			RetryCount:  e.RetryCount,
			Resolved:    e.Resolved,
			CreatedAt:   formatTime(&e.CreatedAt),
		})
	}
	return out
}
