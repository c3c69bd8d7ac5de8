package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditsync/internal/clock"
	"github.com/smallbiznis/creditsync/internal/config"
	"github.com/smallbiznis/creditsync/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditsync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditsync/internal/observability/tracing"
	"github.com/smallbiznis/creditsync/internal/scheduler"
	usagedomain "github.com/smallbiznis/creditsync/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// SyncDriver is the part of the batch driver the HTTP surface needs.
type SyncDriver interface {
	Authorize(header string) error
	Run(ctx context.Context, req scheduler.RunRequest) (scheduler.RunReport, error)
	LastReport() (scheduler.RunReport, bool)
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Base:            log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, log *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, log)
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
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine   *gin.Engine
	cfg      config.Config
	log      *zap.Logger
	driver   SyncDriver
	usageSvc usagedomain.Service
	clock    clock.Clock
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	Scheduler *scheduler.Scheduler
	UsageSvc  usagedomain.Service
	Clock     clock.Clock
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		log:      p.Log.Named("http.sync"),
		driver:   p.Scheduler,
		usageSvc: p.UsageSvc,
		clock:    p.Clock,
	}
	svc.RegisterRoutes()
	return svc
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")

	api.POST("/cron/sync-usage", s.CronAuthRequired(), s.TriggerSync)
	api.GET("/cron/sync-usage", s.ManualTriggerAllowed(), s.ManualSync)
	api.GET("/health/sync-status", s.CronAuthRequired(), s.SyncStatus)
}
