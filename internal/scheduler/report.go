package scheduler

import (
	"errors"
	"fmt"

	discrepancydomain "github.com/smallbiznis/creditsync/internal/discrepancy/domain"
)

var (
	ErrInvalidConfig     = errors.New("invalid_scheduler_config")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotConfigured     = errors.New("cache sync not configured")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrInvalidTransition = errors.New("invalid_run_transition")
)

type State string

const (
	StateIdle               State = "idle"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// ensureTransition allows Idle -> Running -> terminal and nothing else.
func ensureTransition(from, to State) error {
	switch {
	case from == StateIdle && to == StateRunning:
		return nil
	case from == StateRunning && to.Terminal():
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
}

const (
	TriggerCron     = "cron"
	TriggerManual   = "manual"
	TriggerInterval = "interval"
	TriggerCLI      = "cli"
)

// RunRequest carries the trigger parameters. Zero values fall back to
// yesterday (UTC) and the configured batch size.
type RunRequest struct {
	Date      string
	ForceFull bool
	BatchSize int
	Manual    bool
	Trigger   string
}

// RunReport is the structured summary returned to the trigger.
type RunReport struct {
	RunID                string                          `json:"run_id"`
	State                State                           `json:"state"`
	Success              bool                            `json:"success"`
	Date                 string                          `json:"date"`
	DurationMS           int64                           `json:"duration_ms"`
	SyncedRecords        int                             `json:"synced_records"`
	Errors               int                             `json:"errors"`
	ProcessedUsers       int                             `json:"processed_users"`
	TotalUsers           int                             `json:"total_users"`
	SkippedLocked        int                             `json:"skipped_locked,omitempty"`
	IsPartialSync        bool                            `json:"is_partial_sync"`
	TimeoutReached       bool                            `json:"timeout_reached"`
	CreditDiscrepancies  int                             `json:"credit_discrepancies"`
	Discrepancies        []discrepancydomain.Discrepancy `json:"discrepancies,omitempty"`
	Repaired             int                             `json:"repaired_discrepancies"`
	BatchSize            int                             `json:"batch_size"`
	Manual               bool                            `json:"manual,omitempty"`
	ExecutionEnvironment string                          `json:"execution_environment"`
	Error                string                          `json:"error,omitempty"`
}

// Accepted reports the "accepted but incomplete" case: the budget ran out
// before a single record was synced.
func (r RunReport) Accepted() bool {
	return r.TimeoutReached && r.SyncedRecords == 0
}

// healthy applies the lenient run rule. A finished run passes while its
// errors stay within tolerance of the accounts processed. A timed-out run
// must also have synced enough records to outweigh its errors.
func healthy(processed, synced, errs int, timeout bool, tolerance float64) bool {
	if !timeout {
		return float64(errs) <= tolerance*float64(processed)
	}
	return float64(errs) < tolerance*float64(synced)
}
