package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, s *Summary) error
	// Finalize writes the terminal state of a running summary. It reports
	// the number of rows changed, which is zero once a summary is final.
	Finalize(ctx context.Context, db *gorm.DB, s *Summary) (int64, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Summary, error)
	// ListRecent pages newest first; before is an exclusive upper bound on
	// the id, zero for the first page.
	ListRecent(ctx context.Context, db *gorm.DB, before snowflake.ID, limit int) ([]Summary, error)
}
