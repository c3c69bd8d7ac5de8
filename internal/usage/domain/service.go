package domain

import (
	"context"
	"errors"
	"time"
)

// DayLayout is the bucket key format used by the cache, e.g. 20240301.
const DayLayout = "20060102"

// SyncResult counts usage records made durable and records that failed.
type SyncResult struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

type ComponentHealth struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

type HealthReport struct {
	Healthy   bool            `json:"healthy"`
	Cache     ComponentHealth `json:"cache"`
	Database  ComponentHealth `json:"database"`
	CheckedAt time.Time       `json:"checked_at"`
}

type Service interface {
	// SyncAccountUsage moves one account-day bucket from the cache into the
	// ledger. Per-record and cache failures are counted in the result; the
	// error is reserved for an unavailable ledger and bad arguments.
	SyncAccountUsage(ctx context.Context, accountID, day string) (SyncResult, error)
	HealthCheck(ctx context.Context) HealthReport
}

var (
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidDay     = errors.New("invalid_day")
)

// ValidDay reports whether day is an 8-digit calendar date.
func ValidDay(day string) bool {
	if len(day) != len(DayLayout) {
		return false
	}
	_, err := time.Parse(DayLayout, day)
	return err == nil
}

// Yesterday returns the UTC day before now in bucket format.
func Yesterday(now time.Time) string {
	return now.UTC().AddDate(0, 0, -1).Format(DayLayout)
}
