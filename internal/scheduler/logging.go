package scheduler

import (
	"context"

	obslogger "github.com/smallbiznis/declara/internal/observability/logger"
	"go.uber.org/zap"
)

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
