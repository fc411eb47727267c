package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Stop reasons explain why a run ended before exhausting its filters.
const (
	StopQuotaExhausted   = "quota_exhausted"
	StopDeadlineExceeded = "deadline_exceeded"
	StopAuthError        = "auth_error"
	StopInternalError    = "internal_error"
)

// ErrorEntry describes one failed record, or a failed filter when OrderID
// is empty.
type ErrorEntry struct {
	OrderID string `json:"order_id,omitempty"`
	Filter  string `json:"filter,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Summary is the outcome of one batch run. It is written when the run
// starts and finalized exactly once when it ends.
type Summary struct {
	ID            snowflake.ID                    `json:"id" gorm:"primaryKey"`
	CorrelationID string                          `json:"correlation_id" gorm:"type:text"`
	StartedAt     time.Time                       `json:"started_at" gorm:"not null"`
	CompletedAt   *time.Time                      `json:"completed_at,omitempty"`
	Queried       int                             `json:"queried" gorm:"not null;default:0"`
	Processed     int                             `json:"processed" gorm:"not null;default:0"`
	Skipped       int                             `json:"skipped" gorm:"not null;default:0"`
	Errored       int                             `json:"errored" gorm:"not null;default:0"`
	Deferred      int                             `json:"deferred" gorm:"not null;default:0"`
	Errors        datatypes.JSONSlice[ErrorEntry] `json:"errors"`
	ErrorsDropped int                             `json:"errors_dropped" gorm:"not null;default:0"`
	CreditsUsed   float64                         `json:"credits_used" gorm:"not null;default:0"`
	Status        Status                          `json:"status" gorm:"type:text;not null"`
	StopReason    string                          `json:"stop_reason,omitempty" gorm:"type:text"`
	Simulation    bool                            `json:"simulation" gorm:"not null;default:false"`
	CursorFrom    time.Time                       `json:"cursor_from"`
	CursorTo      *time.Time                      `json:"cursor_to,omitempty"`
}

// TableName sets the database table name.
func (Summary) TableName() string { return "batch_summaries" }

func (s Summary) Finished() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}
