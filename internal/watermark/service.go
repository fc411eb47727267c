// Package watermark persists how far a batch has processed a record stream
// so the next run can resume after it.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/declara/internal/clock"
	watermarkdomain "github.com/smallbiznis/declara/internal/watermark/domain"
	"github.com/smallbiznis/declara/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FutureTolerance is how far ahead of now a processed date may be before
// it is treated as clock skew and clamped.
const FutureTolerance = 24 * time.Hour

var ErrInvalidConfig = errors.New("invalid_watermark_config")

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  watermarkdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  watermarkdomain.Repository
}

func New(p Params) (*Service, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil {
		return nil, ErrInvalidConfig
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("watermark"),
		clock: p.Clock,
		repo:  p.Repo,
	}, nil
}

// Get returns the stored watermark. A missing cursor is created at
// defaultStart.
func (s *Service) Get(ctx context.Context, name string, defaultStart time.Time) (time.Time, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Time{}, watermarkdomain.ErrInvalidName
	}
	cursor, err := s.repo.FindByName(ctx, s.db, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor %s: %w", name, err)
	}
	if cursor != nil {
		return cursor.LastProcessedAt, nil
	}

	start := defaultStart.UTC()
	err = s.repo.Insert(ctx, s.db, &watermarkdomain.Cursor{
		Name:            name,
		LastProcessedAt: start,
		UpdatedAt:       s.clock.Now(),
		UpdatedBy:       "default",
	})
	if err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return time.Time{}, fmt.Errorf("initialize cursor %s: %w", name, err)
		}
		// another run created it first
		cursor, err = s.repo.FindByName(ctx, s.db, name)
		if err != nil || cursor == nil {
			return time.Time{}, fmt.Errorf("reload cursor %s: %w", name, err)
		}
		return cursor.LastProcessedAt, nil
	}
	s.log.Info("watermark.initialized",
		zap.String("cursor", name),
		zap.Time("last_processed_at", start),
	)
	return start, nil
}

// Find returns the stored cursor without creating it.
func (s *Service) Find(ctx context.Context, name string) (*watermarkdomain.Cursor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, watermarkdomain.ErrInvalidName
	}
	cursor, err := s.repo.FindByName(ctx, s.db, name)
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", name, err)
	}
	if cursor == nil {
		return nil, watermarkdomain.ErrNotFound
	}
	return cursor, nil
}

// Advance moves the watermark to `to` unless it is already at or beyond it,
// and returns the stored value. Concurrent runs can therefore never move it
// backwards.
func (s *Service) Advance(ctx context.Context, name string, to time.Time, updatedBy string) (time.Time, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Time{}, watermarkdomain.ErrInvalidName
	}
	if to.IsZero() {
		return time.Time{}, watermarkdomain.ErrInvalidDate
	}
	to = to.UTC()
	now := s.clock.Now()

	rows, err := s.repo.AdvanceIfNewer(ctx, s.db, name, to, now, updatedBy)
	if err != nil {
		return time.Time{}, fmt.Errorf("advance cursor %s: %w", name, err)
	}
	if rows > 0 {
		s.log.Info("watermark.advanced",
			zap.String("cursor", name),
			zap.Time("last_processed_at", to),
			zap.String("updated_by", updatedBy),
		)
		return to, nil
	}

	cursor, err := s.repo.FindByName(ctx, s.db, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor %s: %w", name, err)
	}
	if cursor != nil {
		s.log.Debug("watermark.unchanged",
			zap.String("cursor", name),
			zap.Time("requested", to),
			zap.Time("current", cursor.LastProcessedAt),
		)
		return cursor.LastProcessedAt, nil
	}

	err = s.repo.Insert(ctx, s.db, &watermarkdomain.Cursor{
		Name:            name,
		LastProcessedAt: to,
		UpdatedAt:       now,
		UpdatedBy:       updatedBy,
	})
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return time.Time{}, fmt.Errorf("create cursor %s: %w", name, err)
	}
	if err != nil {
		return s.Advance(ctx, name, to, updatedBy)
	}
	return to, nil
}

// ComputeNextWatermark returns the latest of the processed dates. It reports
// false when there is nothing to advance to. Dates further than
// FutureTolerance ahead of now are clamped to now.
func (s *Service) ComputeNextWatermark(processed []time.Time) (time.Time, bool) {
	var latest time.Time
	for _, t := range processed {
		if t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return time.Time{}, false
	}
	now := s.clock.Now()
	if latest.After(now.Add(FutureTolerance)) {
		s.log.Warn("watermark.future_date_clamped",
			zap.Time("latest", latest),
			zap.Time("now", now),
		)
		latest = now
	}
	return latest.UTC(), true
}
