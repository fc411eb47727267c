package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	"gorm.io/gorm"
)

const summaryColumns = `id, correlation_id, started_at, completed_at, queried, processed, skipped,
	errored, deferred, errors, errors_dropped, credits_used, status, stop_reason, simulation,
	cursor_from, cursor_to`

type repo struct{}

func Provide() batchdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *batchdomain.Summary) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO batch_summaries (`+summaryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.CorrelationID,
		s.StartedAt.UTC(),
		s.CompletedAt,
		s.Queried,
		s.Processed,
		s.Skipped,
		s.Errored,
		s.Deferred,
		s.Errors,
		s.ErrorsDropped,
		s.CreditsUsed,
		s.Status,
		s.StopReason,
		s.Simulation,
		s.CursorFrom.UTC(),
		s.CursorTo,
	).Error
}

func (r *repo) Finalize(ctx context.Context, db *gorm.DB, s *batchdomain.Summary) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE batch_summaries
		 SET completed_at = ?, queried = ?, processed = ?, skipped = ?, errored = ?, deferred = ?,
		     errors = ?, errors_dropped = ?, credits_used = ?, status = ?, stop_reason = ?,
		     cursor_from = ?, cursor_to = ?
		 WHERE id = ? AND status = ?`,
		s.CompletedAt,
		s.Queried,
		s.Processed,
		s.Skipped,
		s.Errored,
		s.Deferred,
		s.Errors,
		s.ErrorsDropped,
		s.CreditsUsed,
		s.Status,
		s.StopReason,
		s.CursorFrom.UTC(),
		s.CursorTo,
		s.ID,
		batchdomain.StatusRunning,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*batchdomain.Summary, error) {
	var summaries []batchdomain.Summary
	err := db.WithContext(ctx).Raw(
		`SELECT `+summaryColumns+` FROM batch_summaries WHERE id = ?`,
		id,
	).Scan(&summaries).Error
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[0], nil
}

func (r *repo) ListRecent(ctx context.Context, db *gorm.DB, before snowflake.ID, limit int) ([]batchdomain.Summary, error) {
	var summaries []batchdomain.Summary
	query := `SELECT ` + summaryColumns + ` FROM batch_summaries`
	args := []any{}
	if before != 0 {
		query += ` WHERE id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	err := db.WithContext(ctx).Raw(query, args...).Scan(&summaries).Error
	return summaries, err
}
