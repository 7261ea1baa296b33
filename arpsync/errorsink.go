package arpsync

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/atahubbr/atahub_backend/models"
)

// ingestErrorInput carries everything needed to record one isolated failure.
// Params and Payload keep enough of the upstream request/entity to replay the
// work later.
type ingestErrorInput struct {
	Category   string
	EntityType string
	EntityId   string
	Endpoint   string
	Message    string
	Params     []byte
	Payload    []byte
	Retryable  bool
}

func recordIngestError(ctx context.Context, db *gorm.DB, runId uint, in ingestErrorInput) error {
	errRec := models.IngestError{
		IngestRunId: runId,
		Category:    in.Category,
		EntityType:  in.EntityType,
		EntityId:    in.EntityId,
		Endpoint:    in.Endpoint,
		Message:     in.Message,
		ParamsJSON:  in.Params,
		PayloadJSON: in.Payload,
		Retryable:   in.Retryable,
	}
	return db.WithContext(ctx).Create(&errRec).Error
}

func listUnresolvedErrors(ctx context.Context, db *gorm.DB, retryableOnly bool, limit int) ([]models.IngestError, error) {
	q := db.WithContext(ctx).Where("resolved = ?", false)
	if retryableOnly {
		q = q.Where("retryable = ?", true)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var errs []models.IngestError
	if err := q.Order("id asc").Find(&errs).Error; err != nil {
		return nil, err
	}
	return errs, nil
}

func markErrorResolved(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Model(&models.IngestError{}).Where("id = ?", id).
		Update("resolved", true).Error
}

func bumpErrorRetry(ctx context.Context, db *gorm.DB, errRec *models.IngestError, resolved bool) error {
	now := time.Now().UTC()
	errRec.RetryCount++
	errRec.LastRetryAt = &now
	errRec.Resolved = resolved
	return db.WithContext(ctx).Model(errRec).Updates(map[string]interface{}{
		"retry_count":   errRec.RetryCount,
		"last_retry_at": errRec.LastRetryAt,
		"resolved":      errRec.Resolved,
	}).Error
}
