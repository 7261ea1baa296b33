package arpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/atahubbr/atahub_backend/config"
	"github.com/atahubbr/atahub_backend/models"
	"github.com/atahubbr/atahub_backend/utils"
)

const (
	maxStorageFailStreak = 3
	runLockTTL           = 10 * time.Minute
)

// ingestor drives one crawl over the upstream API.
type ingestor struct {
	db      *gorm.DB
	client  *comprasClient
	logger  *logrus.Logger
	cfg     runConfig
	runLock *redislock.Lock

	storageFailStreak int
}

func newIngestor(db *gorm.DB, logger *logrus.Logger, cfg runConfig) *ingestor {
	cfg = cfg.normalized()
	limiter := newTokenBucket(cfg.RatePerSec, cfg.RateBurst)
	return &ingestor{
		db:     db,
		client: newComprasClient(cfg, limiter, logger),
		logger: logger,
		cfg:    cfg,
	}
}

type FullRunOptions struct {
	DateStart   time.Time
	DateEnd     time.Time
	TriggeredBy string
	Resume      bool
	DryRun      bool
	MaxPages    int
}

// RunFull crawls every record whose validity starts inside the date range.
// With Resume it adopts a run left running by a crash and continues from its
// checkpoint. A dry run fetches and transforms but writes nothing, not even
// the run row.
func RunFull(ctx context.Context, opts FullRunOptions) (*models.IngestRun, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	cfg := defaultRunConfig()
	cfg.DryRun = opts.DryRun
	if opts.MaxPages > 0 {
		cfg.MaxPages = opts.MaxPages
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = models.IngestTriggeredManual
	}

	var run *models.IngestRun
	if cfg.DryRun {
		now := time.Now().UTC()
		run = &models.IngestRun{
			RunType:     models.IngestRunTypeFull,
			Status:      models.IngestRunStatusRunning,
			TriggeredBy: opts.TriggeredBy,
			DateStart:   &opts.DateStart,
			DateEnd:     &opts.DateEnd,
			StartedAt:   &now,
			ConfigJSON:  encodeRunConfig(cfg),
		}
	} else {
		var err error
		run, err = beginRun(ctx, db, models.IngestRunTypeFull, opts.DateStart, opts.DateEnd, opts.TriggeredBy, cfg, opts.Resume)
		if err != nil {
			return nil, err
		}
		// A resumed run keeps its own snapshot; only the page cap may be
		// overridden for the current invocation.
		cfg = decodeRunConfig(run.ConfigJSON)
		if opts.MaxPages > 0 {
			cfg.MaxPages = opts.MaxPages
		}
	}

	ing := newIngestor(db, logger, cfg)
	return run, ing.crawl(ctx, run)
}

// RunIncremental crawls the window from the last completed run's end, minus
// the lookback, until today.
func RunIncremental(ctx context.Context, triggeredBy string) (*models.IngestRun, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	cfg := defaultRunConfig()
	dateStart, dateEnd, err := incrementalWindow(ctx, db, cfg)
	if err != nil {
		return nil, err
	}
	if triggeredBy == "" {
		triggeredBy = models.IngestTriggeredManual
	}

	run, err := beginRun(ctx, db, models.IngestRunTypeIncremental, dateStart, dateEnd, triggeredBy, cfg, false)
	if err != nil {
		return nil, err
	}

	ing := newIngestor(db, logger, decodeRunConfig(run.ConfigJSON))
	return run, ing.crawl(ctx, run)
}

// ProcessIngestRun picks up a queued-or-interrupted run by id. It is the
// Pub/Sub entry point, so it tolerates duplicate delivery: terminal runs are
// skipped, and a per-run lock keeps two deliveries from crawling at once.
func ProcessIngestRun(ctx context.Context, runId uint) error {
	db := config.GetDB()
	logger := config.GetLogger()

	run, err := findRun(ctx, db, runId)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("ingest run %d not found", runId)
	}
	if run.Status != models.IngestRunStatusRunning {
		return nil
	}

	ing := newIngestor(db, logger, decodeRunConfig(run.ConfigJSON))

	if locker := config.GetRedisLock(); locker != nil {
		lock, lerr := locker.Obtain(ctx, fmt.Sprintf("ingest:run:%d", runId), runLockTTL, nil)
		if lerr == redislock.ErrNotObtained {
			logger.WithField("run_id", runId).Info("ingest run already being processed; skipping")
			return nil
		}
		if lerr != nil {
			return lerr
		}
		defer lock.Release(context.Background())
		ing.runLock = lock
	}

	return ing.crawl(ctx, run)
}

// crawl walks listing pages from the run's checkpoint, processing each page
// fully (fetch children, reconcile, checkpoint) before moving on.
func (ing *ingestor) crawl(ctx context.Context, run *models.IngestRun) error {
	if run.DateStart == nil || run.DateEnd == nil {
		return ing.finish(run, models.IngestRunStatusAborted, errors.New("ingest run has no date range"))
	}
	dateStart := *run.DateStart
	dateEnd := *run.DateEnd
	runStart := time.Now().UTC()
	if run.StartedAt != nil {
		runStart = *run.StartedAt
	}

	ing.logger.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"run_type":   run.RunType,
		"date_start": dateStart.Format("2006-01-02"),
		"date_end":   dateEnd.Format("2006-01-02"),
		"from_page":  run.LastPage + 1,
		"dry_run":    ing.cfg.DryRun,
	}).Info("ingest run starting")

	ctx = utils.SetIngestRunIdInContext(ctx, run.ID)

	observed := make(map[string]struct{})

	// A resumed full run already processed pages up to the checkpoint before
	// the crash. Walk them again cheaply (listing only, no children, no
	// writes) so the deletion pass still sees their codes.
	if run.LastPage > 0 && run.RunType == models.IngestRunTypeFull && !ing.cfg.DryRun {
		for p := 1; p <= run.LastPage; p++ {
			env, err := ing.client.fetchArpsPage(ctx, dateStart, dateEnd, p)
			if err != nil {
				if isCtxErr(err) {
					return ing.finish(run, models.IngestRunStatusFailed, err)
				}
				return ing.finish(run, models.IngestRunStatusFailed, fmt.Errorf("reobserve page %d: %w", p, err))
			}
			for _, raw := range env.Items {
				if code := controlCodeFromRaw(raw); code != "" {
					observed[code] = struct{}{}
				}
			}
		}
	}

	page := run.LastPage
	for {
		if err := ctx.Err(); err != nil {
			return ing.finish(run, models.IngestRunStatusFailed, err)
		}
		page++
		if ing.cfg.MaxPages > 0 && page > ing.cfg.MaxPages {
			break
		}

		env, err := ing.client.fetchArpsPage(ctx, dateStart, dateEnd, page)
		if err != nil {
			if isCtxErr(err) {
				return ing.finish(run, models.IngestRunStatusFailed, err)
			}
			category, retryable := categorize(err)
			params, _ := json.Marshal(map[string]any{
				"date_start": dateStart.Format("2006-01-02"),
				"date_end":   dateEnd.Format("2006-01-02"),
				"page":       page,
			})
			ing.recordError(ctx, run, ingestErrorInput{
				Category:   category,
				EntityType: models.IngestEntityPage,
				EntityId:   fmt.Sprintf("%d", page),
				Endpoint:   arpListPath,
				Message:    err.Error(),
				Params:     params,
				Retryable:  retryable,
			})
			// Listing pages are the crawl's spine; losing one ends the run.
			// A run that never fetched anything is not worth resuming.
			if run.LastPage == 0 {
				return ing.finish(run, models.IngestRunStatusAborted, err)
			}
			return ing.finish(run, models.IngestRunStatusFailed, err)
		}

		if len(env.Items) == 0 {
			break
		}
		run.TotalPages = env.TotalPages

		if perr := ing.processPage(ctx, run, env.Items, runStart, observed); perr != nil {
			if isCtxErr(perr) {
				return ing.finish(run, models.IngestRunStatusFailed, perr)
			}
			return ing.finish(run, models.IngestRunStatusAborted, perr)
		}

		run.LastPage = page
		if err := checkpointRun(ctx, ing.db, run); err != nil {
			return ing.finish(run, models.IngestRunStatusAborted, fmt.Errorf("checkpoint page %d: %w", page, err))
		}
		ing.refreshRunLock(ctx)

		ing.logger.WithFields(logrus.Fields{
			"run_id": run.ID,
			"page":   page,
			"of":     env.TotalPages,
			"arps":   len(env.Items),
		}).Info("page reconciled")

		if run.ArpsFetched >= 20 && run.ErrorCount > 0 {
			rate := float64(run.ErrorCount) / float64(run.ArpsFetched)
			if rate > ing.cfg.MaxErrorRate {
				return ing.finish(run, models.IngestRunStatusAborted,
					fmt.Errorf("error rate %.1f%% exceeds %.1f%%", rate*100, ing.cfg.MaxErrorRate*100))
			}
		}

		if env.TotalPages > 0 && page >= env.TotalPages {
			break
		}
	}

	// Deletion detection needs the whole corpus to have been crawled, so
	// page-capped and dry runs skip it.
	var softErr error
	if run.RunType == models.IngestRunTypeFull && !ing.cfg.DryRun && ing.cfg.MaxPages == 0 {
		parents, items, err := softDeletePass(ctx, ing.db, runStart, observed)
		run.ArpsDeleted += parents
		run.ItemsDeleted += items
		if err != nil {
			softErr = err
			ing.recordError(ctx, run, ingestErrorInput{
				Category:  models.ErrCategoryStorage,
				Endpoint:  "softDeletePass",
				Message:   err.Error(),
				Retryable: true,
			})
		}
	}

	status := models.IngestRunStatusCompleted
	if softErr != nil {
		status = models.IngestRunStatusFailed
	}
	return ing.finish(run, status, softErr)
}

// processPage transforms one listing page, pulls children for each parent
// with bounded concurrency, then reconciles parents one at a time. A
// returned error means the run must stop; per-parent failures are recorded
// and skipped.
func (ing *ingestor) processPage(ctx context.Context, run *models.IngestRun, items []json.RawMessage, syncedAt time.Time, observed map[string]struct{}) error {
	run.ArpsFetched += len(items)

	type pending struct {
		batch    arpBatch
		raw      json.RawMessage
		rawItems []json.RawMessage
		fetchErr error
	}

	var pendings []pending
	for _, raw := range items {
		arp, agency, err := transformArp(raw)
		if err != nil {
			ing.recordError(ctx, run, ingestErrorInput{
				Category:   models.ErrCategoryTransform,
				EntityType: models.IngestEntityArp,
				EntityId:   controlCodeFromRaw(raw),
				Endpoint:   arpListPath,
				Message:    err.Error(),
				Payload:    []byte(raw),
			})
			continue
		}
		observed[arp.ControlCode] = struct{}{}
		pendings = append(pendings, pending{batch: arpBatch{Arp: arp, Agency: agency}, raw: raw})
	}

	sem := make(chan struct{}, ing.cfg.ItemConcurrency)
	var wg sync.WaitGroup
	for i := range pendings {
		p := &pendings[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			arp := p.batch.Arp
			p.rawItems, p.fetchErr = ing.client.fetchAllArpItems(ctx, arp.PurchaseNumber, arp.Uasg, arp.ValidityStart)
		}()
	}
	wg.Wait()

	for i := range pendings {
		p := &pendings[i]
		arp := p.batch.Arp

		if p.fetchErr != nil {
			if isCtxErr(p.fetchErr) {
				return p.fetchErr
			}
			category, retryable := categorize(p.fetchErr)
			ing.recordError(ctx, run, ingestErrorInput{
				Category:   category,
				EntityType: models.IngestEntityArp,
				EntityId:   arp.ControlCode,
				Endpoint:   arpItemPath,
				Message:    p.fetchErr.Error(),
				Params:     itemParamsFor(arp),
				Payload:    []byte(p.raw),
				Retryable:  retryable,
			})
			continue
		}

		run.ItemsFetched += len(p.rawItems)
		for _, rawItem := range p.rawItems {
			item, err := transformArpItem(rawItem)
			if err != nil {
				ing.recordError(ctx, run, ingestErrorInput{
					Category:   models.ErrCategoryTransform,
					EntityType: models.IngestEntityItem,
					EntityId:   fmt.Sprintf("%s/%s", arp.ControlCode, itemNumberFromRaw(rawItem)),
					Endpoint:   arpItemPath,
					Message:    err.Error(),
					Payload:    []byte(rawItem),
				})
				continue
			}
			p.batch.Items = append(p.batch.Items, item)
		}

		if ing.cfg.DryRun {
			continue
		}

		stats, err := reconcileArp(ctx, ing.db, p.batch, syncedAt)
		if err != nil {
			if isCtxErr(err) {
				return err
			}
			ing.storageFailStreak++
			ing.recordError(ctx, run, ingestErrorInput{
				Category:   models.ErrCategoryStorage,
				EntityType: models.IngestEntityArp,
				EntityId:   arp.ControlCode,
				Endpoint:   arpItemPath,
				Message:    err.Error(),
				Params:     itemParamsFor(arp),
				Payload:    []byte(p.raw),
				Retryable:  true,
			})
			if ing.storageFailStreak >= maxStorageFailStreak {
				return fmt.Errorf("%d consecutive storage failures: %w", ing.storageFailStreak, err)
			}
			continue
		}
		ing.storageFailStreak = 0
		run.ArpsInserted += stats.ArpsInserted
		run.ArpsUpdated += stats.ArpsUpdated
		run.ArpsSkipped += stats.ArpsSkipped
		run.ItemsInserted += stats.ItemsInserted
		run.ItemsUpdated += stats.ItemsUpdated
		run.ItemsSkipped += stats.ItemsSkipped
	}
	return nil
}

func (ing *ingestor) recordError(ctx context.Context, run *models.IngestRun, in ingestErrorInput) {
	run.ErrorCount++
	ing.logger.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"category":  in.Category,
		"entity":    in.EntityType,
		"entity_id": in.EntityId,
	}).Warn(in.Message)
	if ing.cfg.DryRun || run.ID == 0 {
		return
	}
	if err := recordIngestError(ctx, ing.db, run.ID, in); err != nil {
		config.LogError(ing.logger, "arpsync", "recordIngestError", in.Category, nil, err)
	}
}

// finish writes the terminal status on a detached context, so a canceled run
// still gets its last checkpoint and failed status persisted.
func (ing *ingestor) finish(run *models.IngestRun, status string, cause error) error {
	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := completeRun(dctx, ing.db, run, status); err != nil {
		config.LogError(ing.logger, "arpsync", "completeRun", fmt.Sprintf("run %d", run.ID), nil, err)
		if cause == nil {
			cause = err
		}
	}

	fields := logrus.Fields{
		"run_id":         run.ID,
		"run_type":       run.RunType,
		"status":         run.Status,
		"last_page":      run.LastPage,
		"arps_fetched":   run.ArpsFetched,
		"arps_inserted":  run.ArpsInserted,
		"arps_updated":   run.ArpsUpdated,
		"arps_skipped":   run.ArpsSkipped,
		"arps_deleted":   run.ArpsDeleted,
		"items_inserted": run.ItemsInserted,
		"error_count":    run.ErrorCount,
		"duration_ms":    run.DurationMs,
		"dry_run":        ing.cfg.DryRun,
	}
	if cause != nil {
		ing.logger.WithFields(fields).WithField("error", cause.Error()).Error("ingest run finished with failure")
		return cause
	}
	ing.logger.WithFields(fields).Info("ingest run finished")
	return nil
}

func (ing *ingestor) refreshRunLock(ctx context.Context) {
	if ing.runLock == nil {
		return
	}
	if err := ing.runLock.Refresh(ctx, runLockTTL, nil); err != nil {
		ing.logger.WithField("error", err.Error()).Warn("could not refresh ingest run lock")
	}
}

type itemQueryParams struct {
	PurchaseNumber string `json:"purchase_number"`
	Uasg           string `json:"uasg"`
	ValidityStart  string `json:"validity_start"`
}

func itemParamsFor(arp *models.Arp) []byte {
	p := itemQueryParams{
		PurchaseNumber: arp.PurchaseNumber,
		Uasg:           arp.Uasg,
	}
	if arp.ValidityStart != nil {
		p.ValidityStart = arp.ValidityStart.Format("2006-01-02")
	}
	raw, _ := json.Marshal(p)
	return raw
}

// categorize maps a client error onto the error sink taxonomy. Anything that
// is not a classified Failure is treated as transient.
func categorize(err error) (string, bool) {
	var f *Failure
	if errors.As(err, &f) {
		retryable := f.Category == models.ErrCategoryTransientNetwork || f.Category == models.ErrCategoryRateLimited
		return f.Category, retryable
	}
	return models.ErrCategoryTransientNetwork, true
}

func controlCodeFromRaw(raw json.RawMessage) string {
	var probe struct {
		ControlCode string `json:"numeroControlePncpAta"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ControlCode
}

func itemNumberFromRaw(raw json.RawMessage) string {
	var probe struct {
		ItemNumber json.Number `json:"numeroItem"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ItemNumber.String()
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
