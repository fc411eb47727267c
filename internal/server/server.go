package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/declara/internal/batch"
	"github.com/smallbiznis/declara/internal/config"
	"github.com/smallbiznis/declara/internal/observability"
	obslogger "github.com/smallbiznis/declara/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/declara/internal/observability/metrics"
	obstracing "github.com/smallbiznis/declara/internal/observability/tracing"
	"github.com/smallbiznis/declara/internal/scheduler"
	"github.com/smallbiznis/declara/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Logger:          log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http.server.failed", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	trigger   Trigger
	summaries SummaryReader
	cursors   CursorReader
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Scheduler *scheduler.Scheduler
	Summaries *batch.Summaries
	Cursors   *watermark.Service
}

func NewServer(p ServerParams) *Server {
	return newServer(p.Gin, p.Scheduler, p.Summaries, p.Cursors)
}

func newServer(engine *gin.Engine, trigger Trigger, summaries SummaryReader, cursors CursorReader) *Server {
	svc := &Server{
		engine:    engine,
		trigger:   trigger,
		summaries: summaries,
		cursors:   cursors,
	}
	svc.registerAPIRoutes()
	svc.registerFallback()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Batches --------
	api.POST("/batches", s.TriggerBatch)
	api.GET("/batches", s.ListBatches)
	api.GET("/batches/:id", s.GetBatchByID)

	// -------- Cursors --------
	api.GET("/cursors/:name", s.GetCursor)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
