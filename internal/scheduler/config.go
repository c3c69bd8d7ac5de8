package scheduler

import (
	"time"

	"github.com/smallbiznis/creditsync/internal/config"
)

// Config controls the run budget, batch sizes and the in-process interval.
type Config struct {
	CronSecret  string
	Environment string

	RunInterval        time.Duration
	MaxExecution       time.Duration
	SafetyMargin       time.Duration
	DiscrepancyReserve time.Duration
	RepairReserve      time.Duration
	RepairCap          int
	BatchSize          int
	ManualBatchSize    int
	ErrorTolerance     float64
}

func DefaultConfig() Config {
	return Config{
		Environment:        "development",
		RunInterval:        time.Hour,
		MaxExecution:       60 * time.Second,
		SafetyMargin:       5 * time.Second,
		DiscrepancyReserve: 10 * time.Second,
		RepairReserve:      5 * time.Second,
		RepairCap:          10,
		BatchSize:          500,
		ManualBatchSize:    100,
		ErrorTolerance:     0.1,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Environment == "" {
		c.Environment = defaults.Environment
	}
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.MaxExecution <= 0 {
		c.MaxExecution = defaults.MaxExecution
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = defaults.SafetyMargin
	}
	if c.SafetyMargin >= c.MaxExecution {
		c.SafetyMargin = 0
	}
	if c.DiscrepancyReserve <= 0 {
		c.DiscrepancyReserve = defaults.DiscrepancyReserve
	}
	if c.RepairReserve <= 0 {
		c.RepairReserve = defaults.RepairReserve
	}
	if c.RepairCap <= 0 {
		c.RepairCap = defaults.RepairCap
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ManualBatchSize <= 0 {
		c.ManualBatchSize = defaults.ManualBatchSize
	}
	if c.ErrorTolerance <= 0 {
		c.ErrorTolerance = defaults.ErrorTolerance
	}
	return c
}

// Budget is the wall-clock time a run may spend before it must stop.
func (c Config) Budget() time.Duration {
	return c.MaxExecution - c.SafetyMargin
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		CronSecret:         cfg.Sync.CronSecret,
		Environment:        cfg.Environment,
		RunInterval:        cfg.Sync.RunInterval,
		MaxExecution:       cfg.Sync.MaxExecution,
		SafetyMargin:       cfg.Sync.SafetyMargin,
		DiscrepancyReserve: cfg.Sync.DiscrepancyReserve,
		RepairReserve:      cfg.Sync.RepairReserve,
		RepairCap:          cfg.Sync.RepairCap,
		BatchSize:          cfg.Sync.BatchSize,
		ManualBatchSize:    cfg.Sync.ManualBatchSize,
		ErrorTolerance:     cfg.Sync.ErrorTolerance,
	}.withDefaults()
}
