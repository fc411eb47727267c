package domain

import "time"

// Cursor is the persisted high-water mark of a named record stream.
type Cursor struct {
	Name            string    `json:"name" gorm:"primaryKey;type:text"`
	LastProcessedAt time.Time `json:"last_processed_at" gorm:"not null"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"not null"`
	UpdatedBy       string    `json:"updated_by" gorm:"type:text"`
}

// TableName sets the database table name.
func (Cursor) TableName() string { return "sync_cursors" }
