package repository

import (
	"context"
	"time"

	watermarkdomain "github.com/smallbiznis/declara/internal/watermark/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() watermarkdomain.Repository {
	return &repo{}
}

func (r *repo) FindByName(ctx context.Context, db *gorm.DB, name string) (*watermarkdomain.Cursor, error) {
	var cursor watermarkdomain.Cursor
	err := db.WithContext(ctx).Raw(
		`SELECT name, last_processed_at, updated_at, updated_by
		 FROM sync_cursors WHERE name = ?`,
		name,
	).Scan(&cursor).Error
	if err != nil {
		return nil, err
	}
	if cursor.Name == "" {
		return nil, nil
	}
	cursor.LastProcessedAt = cursor.LastProcessedAt.UTC()
	cursor.UpdatedAt = cursor.UpdatedAt.UTC()
	return &cursor, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, c *watermarkdomain.Cursor) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sync_cursors (name, last_processed_at, updated_at, updated_by)
		 VALUES (?, ?, ?, ?)`,
		c.Name,
		c.LastProcessedAt.UTC(),
		c.UpdatedAt.UTC(),
		c.UpdatedBy,
	).Error
}

func (r *repo) AdvanceIfNewer(ctx context.Context, db *gorm.DB, name string, to, now time.Time, updatedBy string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sync_cursors
		 SET last_processed_at = ?, updated_at = ?, updated_by = ?
		 WHERE name = ? AND last_processed_at < ?`,
		to.UTC(),
		now.UTC(),
		updatedBy,
		name,
		to.UTC(),
	)
	return res.RowsAffected, res.Error
}
