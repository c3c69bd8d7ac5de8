package cloudmetrics

import (
	"context"
	"errors"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditsync/internal/config"
	"github.com/smallbiznis/creditsync/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cloud.metrics",
	fx.Provide(NewPusher),
	fx.Provide(
		fx.Annotate(NewRunPusher, fx.As(new(scheduler.MetricsPusher))),
	),
)

// RunPusher pushes the default registry after each sync run, so short-lived
// cron invocations still reach the collector.
type RunPusher struct {
	pusher   Pusher
	gatherer prometheus.Gatherer
	memory   prometheus.Gauge
	log      *zap.Logger
}

type RunPusherParams struct {
	fx.In

	Config   config.Config
	Pusher   Pusher              `optional:"true"`
	Gatherer prometheus.Gatherer `optional:"true"`
	Log      *zap.Logger
}

func NewRunPusher(p RunPusherParams) *RunPusher {
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := &RunPusher{
		pusher:   p.Pusher,
		gatherer: gatherer,
		log:      log.Named("cloud.metrics"),
	}
	if p.Pusher != nil {
		r.memory = registerMemoryGauge(p.Config.AppName)
	}
	return r
}

// PushRun is a no-op when no exporter is configured.
func (r *RunPusher) PushRun(ctx context.Context) error {
	if r == nil || r.pusher == nil {
		return nil
	}
	if r.memory != nil {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		r.memory.Set(float64(m.Sys))
	}
	if err := r.pusher.Push(ctx, r.gatherer); err != nil {
		return err
	}
	r.log.Debug("metrics pushed")
	return nil
}

func registerMemoryGauge(service string) prometheus.Gauge {
	if service == "" {
		service = "creditsync"
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "creditsync_process_memory_bytes",
		Help:        "Memory obtained from the OS at push time.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	if err := prometheus.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		return nil
	}
	return gauge
}
