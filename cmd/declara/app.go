package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/declara/internal/batch"
	"github.com/smallbiznis/declara/internal/clock"
	"github.com/smallbiznis/declara/internal/config"
	"github.com/smallbiznis/declara/internal/lease"
	"github.com/smallbiznis/declara/internal/migration"
	"github.com/smallbiznis/declara/internal/observability"
	"github.com/smallbiznis/declara/internal/order/remote"
	"github.com/smallbiznis/declara/internal/scheduler"
	"github.com/smallbiznis/declara/internal/watermark"
	"github.com/smallbiznis/declara/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// infraOptions wires configuration, logging, metrics and the database.
func infraOptions(opts *RootOptions) []fx.Option {
	options := []fx.Option{
		config.Module,
		observability.Module,
		db.Module,
		migration.Module,
	}
	if !opts.Verbose {
		options = append(options, fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}))
	}
	if opts.RulesFile != "" || opts.Simulate {
		options = append(options, fx.Decorate(func(h *config.RulesHolder, log *zap.Logger) (*config.RulesHolder, error) {
			if opts.RulesFile != "" {
				fromFile, err := config.NewRulesHolderFromFile(opts.RulesFile, log)
				if err != nil {
					return nil, err
				}
				h = fromFile
			}
			if opts.Simulate {
				r := h.Get()
				r.Simulation = true
				h = config.NewStaticRulesHolder(r)
			}
			return h, nil
		}))
	}
	return options
}

// batchOptions adds everything a batch run needs on top of infraOptions.
func batchOptions(opts *RootOptions) []fx.Option {
	return append(infraOptions(opts),
		fx.Provide(RegisterSnowflake),
		clock.Module,
		watermark.Module,
		remote.Module,
		batch.Module,
		lease.Module,
		scheduler.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
