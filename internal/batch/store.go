package batch

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

type SummariesParams struct {
	fx.In

	DB   *gorm.DB
	Repo batchdomain.Repository
}

// Summaries persists batch summaries.
type Summaries struct {
	db   *gorm.DB
	repo batchdomain.Repository
}

func NewSummaries(p SummariesParams) *Summaries {
	return &Summaries{db: p.DB, repo: p.Repo}
}

func (s *Summaries) Create(ctx context.Context, summary *batchdomain.Summary) error {
	if summary.ID == 0 {
		return batchdomain.ErrInvalidID
	}
	if err := s.repo.Insert(ctx, s.db, summary); err != nil {
		return fmt.Errorf("insert batch %s: %w", summary.ID, err)
	}
	return nil
}

// Update finalizes a running summary. A summary that is already final is
// left untouched and ErrAlreadyFinished is returned.
func (s *Summaries) Update(ctx context.Context, summary *batchdomain.Summary) error {
	if !summary.Finished() {
		return fmt.Errorf("finalize batch %s with status %q: %w", summary.ID, summary.Status, batchdomain.ErrInvalidStatus)
	}
	rows, err := s.repo.Finalize(ctx, s.db, summary)
	if err != nil {
		return fmt.Errorf("finalize batch %s: %w", summary.ID, err)
	}
	if rows > 0 {
		return nil
	}

	existing, err := s.repo.FindByID(ctx, s.db, summary.ID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", summary.ID, err)
	}
	if existing != nil {
		return batchdomain.ErrAlreadyFinished
	}
	// the start row was never written; keep the final state anyway
	return s.repo.Insert(ctx, s.db, summary)
}

func (s *Summaries) Get(ctx context.Context, id snowflake.ID) (*batchdomain.Summary, error) {
	if id == 0 {
		return nil, batchdomain.ErrInvalidID
	}
	summary, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, batchdomain.ErrNotFound
	}
	return summary, nil
}

// ListRecent returns summaries older than before, newest first.
func (s *Summaries) ListRecent(ctx context.Context, before snowflake.ID, limit int) ([]batchdomain.Summary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListRecent(ctx, s.db, before, limit)
}
