package arpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atahubbr/atahub_backend/config"
	"github.com/atahubbr/atahub_backend/models"
)

// ReprocessSummary reports one reprocessing sweep over the error sink.
type ReprocessSummary struct {
	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
}

// ReprocessErrors replays unresolved retryable errors. Record errors replay
// the item fetch and reconcile from the stored payload; page errors refetch
// the listing page and run it through the normal page pipeline.
func ReprocessErrors(ctx context.Context, limit int) (ReprocessSummary, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	if limit <= 0 {
		limit = 50
	}

	errRecs, err := listUnresolvedErrors(ctx, db, true, limit)
	if err != nil {
		return ReprocessSummary{}, err
	}

	ing := newIngestor(db, logger, defaultRunConfig())

	var summary ReprocessSummary
	for i := range errRecs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rec := &errRecs[i]
		summary.Attempted++

		rerr := ing.replayError(ctx, rec)
		if rerr != nil && isCtxErr(rerr) {
			return summary, rerr
		}
		resolved := rerr == nil
		if resolved {
			summary.Resolved++
		} else {
			summary.Failed++
			logger.WithFields(logrus.Fields{
				"error_id": rec.ID,
				"category": rec.Category,
				"entity":   rec.EntityType,
			}).Warn(rerr.Error())
		}
		if err := bumpErrorRetry(ctx, db, rec, resolved); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (ing *ingestor) replayError(ctx context.Context, rec *models.IngestError) error {
	switch rec.EntityType {
	case models.IngestEntityArp:
		return ing.replayArpError(ctx, rec)
	case models.IngestEntityPage:
		return ing.replayPageError(ctx, rec)
	default:
		return fmt.Errorf("entity type %q cannot be replayed", rec.EntityType)
	}
}

// replayArpError re-fetches the record's items using the stored query params
// and reconciles the record from its stored payload.
func (ing *ingestor) replayArpError(ctx context.Context, rec *models.IngestError) error {
	if len(rec.PayloadJSON) == 0 {
		return fmt.Errorf("error %d has no stored payload", rec.ID)
	}

	arp, agency, err := transformArp(json.RawMessage(rec.PayloadJSON))
	if err != nil {
		return err
	}

	validityStart := arp.ValidityStart
	if len(rec.ParamsJSON) > 0 {
		var params itemQueryParams
		if err := json.Unmarshal(rec.ParamsJSON, &params); err == nil && params.ValidityStart != "" {
			if t, perr := time.Parse("2006-01-02", params.ValidityStart); perr == nil {
				validityStart = &t
			}
		}
	}

	rawItems, err := ing.client.fetchAllArpItems(ctx, arp.PurchaseNumber, arp.Uasg, validityStart)
	if err != nil {
		return err
	}

	batch := arpBatch{Arp: arp, Agency: agency}
	for _, rawItem := range rawItems {
		item, terr := transformArpItem(rawItem)
		if terr != nil {
			ing.logger.WithFields(logrus.Fields{
				"control_code": arp.ControlCode,
				"item":         itemNumberFromRaw(rawItem),
			}).Warn(terr.Error())
			continue
		}
		batch.Items = append(batch.Items, item)
	}

	_, err = reconcileArp(ctx, ing.db, batch, time.Now().UTC())
	return err
}

// replayPageError refetches a lost listing page and runs it through the
// regular page pipeline. Counters land on a scratch run that is never
// persisted, so record-level failures during the replay are logged but not
// written back to the sink.
func (ing *ingestor) replayPageError(ctx context.Context, rec *models.IngestError) error {
	var params struct {
		DateStart string `json:"date_start"`
		DateEnd   string `json:"date_end"`
		Page      int    `json:"page"`
	}
	if err := json.Unmarshal(rec.ParamsJSON, &params); err != nil {
		return fmt.Errorf("error %d has undecodable params: %w", rec.ID, err)
	}
	dateStart, err := time.Parse("2006-01-02", params.DateStart)
	if err != nil {
		return err
	}
	dateEnd, err := time.Parse("2006-01-02", params.DateEnd)
	if err != nil {
		return err
	}
	if params.Page <= 0 {
		return fmt.Errorf("error %d has no page number", rec.ID)
	}

	env, err := ing.client.fetchArpsPage(ctx, dateStart, dateEnd, params.Page)
	if err != nil {
		return err
	}

	scratch := &models.IngestRun{RunType: models.IngestRunTypeFull, Status: models.IngestRunStatusRunning}
	observed := make(map[string]struct{})
	if err := ing.processPage(ctx, scratch, env.Items, time.Now().UTC(), observed); err != nil {
		return err
	}
	if scratch.ErrorCount > 0 {
		return fmt.Errorf("page %d replay finished with %d record failures", params.Page, scratch.ErrorCount)
	}
	return nil
}
