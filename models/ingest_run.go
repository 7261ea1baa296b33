package models

import "time"

const (
	IngestRunTypeFull        = "full"
	IngestRunTypeIncremental = "incremental"
)

const (
	IngestRunStatusRunning   = "running"
	IngestRunStatusCompleted = "completed"
	IngestRunStatusFailed    = "failed"
	IngestRunStatusAborted   = "aborted"
)

const (
	IngestTriggeredManual   = "manual"
	IngestTriggeredSchedule = "schedule"
	IngestTriggeredRetry    = "retry"
)

const (
	ErrCategoryTransientNetwork = "transient_network"
	ErrCategoryRateLimited      = "rate_limited"
	ErrCategoryUpstreamClient   = "upstream_client_error"
	ErrCategoryTransform        = "transform_error"
	ErrCategoryStorage          = "storage_error"
	ErrCategoryConflict         = "conflict_error"
)

const (
	IngestEntityArp  = "arp"
	IngestEntityItem = "item"
	IngestEntityPage = "page"
)

// IngestRun is one crawl over the upstream API. LastPage is the checkpoint:
// a run found still running after a crash resumes at LastPage+1. At most one
// run per RunType may be running at a time.
type IngestRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	RunType       string     `gorm:"index;size:20;not null" json:"run_type"`
	Status        string     `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	DateStart     *time.Time `json:"date_start"`
	DateEnd       *time.Time `json:"date_end"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	LastPage      int        `json:"last_page"`
	TotalPages    int        `json:"total_pages"`
	ArpsFetched   int        `json:"arps_fetched"`
	ArpsInserted  int        `json:"arps_inserted"`
	ArpsUpdated   int        `json:"arps_updated"`
	ArpsSkipped   int        `json:"arps_skipped"`
	ArpsDeleted   int        `json:"arps_deleted"`
	ItemsFetched  int        `json:"items_fetched"`
	ItemsInserted int        `json:"items_inserted"`
	ItemsUpdated  int        `json:"items_updated"`
	ItemsSkipped  int        `json:"items_skipped"`
	ItemsDeleted  int        `json:"items_deleted"`
	ErrorCount    int        `json:"error_count"`
	ConfigJSON    []byte     `gorm:"type:json" json:"config"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IngestError struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	IngestRunId uint       `gorm:"index;not null" json:"ingest_run_id"`
	Category    string     `gorm:"index;size:50;not null" json:"category"`
	EntityType  string     `gorm:"size:20" json:"entity_type"`
	EntityId    string     `gorm:"size:128" json:"entity_id"`
	Endpoint    string     `gorm:"size:255" json:"endpoint"`
	Message     string     `gorm:"type:text" json:"message"`
	ParamsJSON  []byte     `gorm:"type:json" json:"params"`
	PayloadJSON []byte     `gorm:"type:json" json:"payload"`
	Retryable   bool       `gorm:"default:false" json:"retryable"`
	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at"`
	Resolved    bool       `gorm:"index;default:false" json:"resolved"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
