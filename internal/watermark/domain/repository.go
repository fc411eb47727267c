package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByName(ctx context.Context, db *gorm.DB, name string) (*Cursor, error)
	Insert(ctx context.Context, db *gorm.DB, c *Cursor) error
	// AdvanceIfNewer moves the cursor forward only; it reports the number of
	// rows changed.
	AdvanceIfNewer(ctx context.Context, db *gorm.DB, name string, to, now time.Time, updatedBy string) (int64, error)
}
