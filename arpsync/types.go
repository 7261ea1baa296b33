package arpsync

import (
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"
)

// runConfig is snapshotted into IngestRun.ConfigJSON when a run begins, so a
// run can be read back later with the exact tunables it ran with.
type runConfig struct {
	PageSize        int     `json:"page_size"`
	RatePerSec      float64 `json:"rate_per_sec"`
	RateBurst       float64 `json:"rate_burst"`
	MaxAttempts     int     `json:"max_attempts"`
	BackoffBaseMs   int     `json:"backoff_base_ms"`
	ItemConcurrency int     `json:"item_concurrency"`
	LookbackDays    int     `json:"lookback_days"`
	MaxErrorRate    float64 `json:"max_error_rate"`
	MaxPages        int     `json:"max_pages"`
	DryRun          bool    `json:"dry_run"`
}

func defaultRunConfig() runConfig {
	rate := envFloatDefault("ARP_RATE_PER_SEC", 3.0)
	return runConfig{
		PageSize:        envIntDefault("ARP_PAGE_SIZE", 500),
		RatePerSec:      rate,
		RateBurst:       envFloatDefault("ARP_RATE_BURST", math.Ceil(rate)),
		MaxAttempts:     envIntDefault("ARP_MAX_ATTEMPTS", 3),
		BackoffBaseMs:   envIntDefault("ARP_BACKOFF_BASE_MS", 1000),
		ItemConcurrency: envIntDefault("ARP_ITEM_CONCURRENCY", 5),
		LookbackDays:    envIntDefault("ARP_LOOKBACK_DAYS", 7),
		MaxErrorRate:    envFloatDefault("ARP_MAX_ERROR_RATE", 0.05),
		MaxPages:        envIntDefault("ARP_MAX_PAGES", 0),
	}
}

// normalized fills non-positive fields with defaults so a config decoded from
// an old run row is always usable.
func (c runConfig) normalized() runConfig {
	def := defaultRunConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = def.RatePerSec
	}
	if c.RateBurst <= 0 {
		c.RateBurst = math.Ceil(c.RatePerSec)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBaseMs <= 0 {
		c.BackoffBaseMs = def.BackoffBaseMs
	}
	if c.ItemConcurrency <= 0 {
		c.ItemConcurrency = def.ItemConcurrency
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = def.LookbackDays
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = def.MaxErrorRate
	}
	return c
}

func encodeRunConfig(c runConfig) []byte {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return raw
}

func decodeRunConfig(raw []byte) runConfig {
	if len(raw) == 0 {
		return defaultRunConfig()
	}
	var decoded runConfig
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return defaultRunConfig()
	}
	return decoded.normalized()
}

type TriggerFullRequest struct {
	DateStart string `json:"date_start" binding:"required"`
	DateEnd   string `json:"date_end" binding:"required"`
	Resume    bool   `json:"resume"`
}

type ReprocessRequest struct {
	Limit int `json:"limit"`
}

type IngestRunResponse struct {
	ID            uint    `json:"id"`
	RunType       string  `json:"run_type"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggered_by"`
	DateStart     *string `json:"date_start"`
	DateEnd       *string `json:"date_end"`
	StartedAt     *string `json:"started_at"`
	FinishedAt    *string `json:"finished_at"`
	DurationMs    int64   `json:"duration_ms"`
	LastPage      int     `json:"last_page"`
	TotalPages    int     `json:"total_pages"`
	ArpsFetched   int     `json:"arps_fetched"`
	ArpsInserted  int     `json:"arps_inserted"`
	ArpsUpdated   int     `json:"arps_updated"`
	ArpsSkipped   int     `json:"arps_skipped"`
	ArpsDeleted   int     `json:"arps_deleted"`
	ItemsFetched  int     `json:"items_fetched"`
	ItemsInserted int     `json:"items_inserted"`
	ItemsUpdated  int     `json:"items_updated"`
	ItemsSkipped  int     `json:"items_skipped"`
	ItemsDeleted  int     `json:"items_deleted"`
	ErrorCount    int     `json:"error_count"`
}

type IngestRunDetailResponse struct {
	IngestRunResponse
	Errors []IngestErrorResponse `json:"errors"`
}

type IngestErrorResponse struct {
	ID          uint    `json:"id"`
	IngestRunId uint    `json:"ingest_run_id"`
	Category    string  `json:"category"`
	EntityType  string  `json:"entity_type"`
	EntityId    string  `json:"entity_id"`
	Endpoint    string  `json:"endpoint"`
	Message     string  `json:"message"`
	Retryable   bool    `json:"retryable"`
	RetryCount  int     `json:"retry_count"`
	Resolved    bool    `json:"resolved"`
	CreatedAt   *string `json:"created_at"`
}

type IngestStatusResponse struct {
	Running             []IngestRunResponse `json:"running"`
	LastFull            *IngestRunResponse  `json:"last_full"`
	LastIncremental     *IngestRunResponse  `json:"last_incremental"`
	LastScheduleTrigger *string             `json:"last_schedule_trigger"`
}

// PubSubPushEnvelope is the push-subscription wire format.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type IngestPubSubPayload struct {
	RunId uint `json:"run_id"`
}

func envIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}
