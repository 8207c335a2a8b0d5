package database

import (
	"time"
)

// WorkUnitStatus represents the lifecycle state of a work unit.
type WorkUnitStatus string

const (
	StatusPending WorkUnitStatus = "pending"
	StatusRunning WorkUnitStatus = "running"
	StatusSuccess WorkUnitStatus = "success"
	StatusFailure WorkUnitStatus = "failure"
	StatusRetry   WorkUnitStatus = "retry"
)

// Terminal reports whether the status can no longer change.
func (s WorkUnitStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// WorkUnit is one background job instance tracked through the stage pipeline.
//
// IsLive is a nullable flag: non-terminal units carry true, terminal units
// carry NULL. The unique index on (target_id, kind, is_live) therefore allows
// any number of historical terminal rows per target while rejecting a second
// concurrent live attempt.
type WorkUnit struct {
	ID       string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID  string `gorm:"index;type:varchar(64)"`
	TargetID string `gorm:"uniqueIndex:idx_target_kind_live,priority:1;type:varchar(64);not null"`
	Kind     string `gorm:"uniqueIndex:idx_target_kind_live,priority:2;type:varchar(32);not null"`
	IsLive   *bool  `gorm:"uniqueIndex:idx_target_kind_live,priority:3"`

	Status   WorkUnitStatus `gorm:"type:varchar(16);not null;index"`
	Stage    string         `gorm:"type:varchar(32)"`
	Progress float64        `gorm:"not null;default:0"`
	Message  string         `gorm:"type:text"`
	Attempts int            `gorm:"not null;default:0"`

	// CancelRequested is checked by workers at stage boundaries.
	CancelRequested bool `gorm:"not null;default:false"`

	// Params is the caller-supplied JSON payload (source URL etc).
	Params string `gorm:"type:text"`

	// Artifact references produced along the pipeline.
	SourceRef     string `gorm:"type:varchar(512)"`
	MergedRef     string `gorm:"type:varchar(512)"`
	ConvertedRef  string `gorm:"type:varchar(512)"`
	AudioRef      string `gorm:"type:varchar(512)"`
	SegmentsJSON  string `gorm:"type:text"`
	TranscriptRef string `gorm:"type:varchar(512)"`
	AnalysisJSON  string `gorm:"type:text"`
	ResultRefs    string `gorm:"type:text"`

	CreatedAt time.Time  `gorm:"not null;index"`
	StartedAt *time.Time `gorm:"index"`
	UpdatedAt time.Time  `gorm:"not null;index"`
}

// TableName returns the table name for GORM.
func (WorkUnit) TableName() string {
	return "work_units"
}

// Live reports whether this row holds the live attempt for its target+kind.
func (w *WorkUnit) Live() bool {
	return w.IsLive != nil && *w.IsLive
}

// Terminal reports whether the unit reached a final state.
func (w *WorkUnit) Terminal() bool {
	return w.Status.Terminal()
}

// CorrelationStatus tracks an outstanding recognition callback.
type CorrelationStatus string

const (
	CorrelationAwaiting  CorrelationStatus = "awaiting"
	CorrelationDelivered CorrelationStatus = "delivered"
	CorrelationExpired   CorrelationStatus = "expired"
	// CorrelationConsumed is a short-lived state between the atomic
	// check-and-set of a poller and the purge of the row.
	CorrelationConsumed CorrelationStatus = "consumed"
)

// CallbackCorrelation links a recognition submission with its asynchronous
// completion. Created by the recognition client before upload, flipped to
// delivered by the callback receiver, consumed exactly once by a poller.
type CallbackCorrelation struct {
	ID         string            `gorm:"primaryKey;type:varchar(64)"`
	WorkUnitID string            `gorm:"index;type:varchar(64);not null"`
	Status     CorrelationStatus `gorm:"type:varchar(16);not null;index"`

	// Result is the callback payload JSON; empty until delivery.
	Result string `gorm:"type:text"`

	SubmittedAt time.Time  `gorm:"not null"`
	ExpiresAt   time.Time  `gorm:"not null;index"`
	DeliveredAt *time.Time

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (CallbackCorrelation) TableName() string {
	return "callback_correlations"
}
