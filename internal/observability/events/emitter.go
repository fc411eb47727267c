// Package events emits fire-and-forget structured batch events.
package events

import (
	"context"
	"sort"

	obslogger "github.com/smallbiznis/declara/internal/observability/logger"
	"github.com/smallbiznis/declara/internal/observability/metrics"
	"go.uber.org/zap"
)

// Fields are the attributes of one event.
type Fields map[string]any

// Emitter writes events to the event log and counts them. A failing sink
// never reaches the caller.
type Emitter struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(log *zap.Logger, m *metrics.Metrics) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{log: log.Named("events"), metrics: m}
}

func (e *Emitter) Emit(ctx context.Context, name string, fields Fields) {
	if e == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("events.emit.panic", zap.String("event", name), zap.Any("panic", r))
		}
	}()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zf := make([]zap.Field, 0, len(keys)+1)
	zf = append(zf, zap.String("event", name))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	obslogger.WithContext(ctx, e.log).Info(name, zf...)
	e.metrics.RecordEvent(ctx, name)
}

// Flush syncs the event log. Errors are dropped.
func (e *Emitter) Flush(context.Context) {
	if e == nil {
		return
	}
	_ = e.log.Sync()
}
