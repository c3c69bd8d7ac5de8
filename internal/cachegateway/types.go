package cachegateway

import (
	"net/http"
	"time"
)

// Result is the uniform outcome of every gateway call. Transport and
// protocol failures are folded into StatusCode and Message rather than
// returned as errors.
type Result[T any] struct {
	Success    bool
	StatusCode int
	Message    string
	Data       *T
}

// NotFound reports the "no record" outcome. It is not a failure.
func (r Result[T]) NotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// CredentialRecord mirrors the cache's view of a credential.
type CredentialRecord struct {
	APIKey    string    `json:"api_key"`
	AccountID string    `json:"user_id"`
	Credits   int64     `json:"credits"`
	Active    bool      `json:"active"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Credits struct {
	APIKey  string `json:"api_key,omitempty"`
	Credits int64  `json:"credits"`
}

type AccountCredentials struct {
	AccountID string             `json:"user_id,omitempty"`
	APIKeys   []CredentialRecord `json:"api_keys"`
}

// AccountCreditsUpdate is returned when every credential of an account is
// overwritten in one call.
type AccountCreditsUpdate struct {
	AccountID   string `json:"user_id,omitempty"`
	Credits     int64  `json:"credits"`
	UpdatedKeys int    `json:"updated_keys,omitempty"`
}

type SyncStatus struct {
	Status    string `json:"status"`
	Connected bool   `json:"redis_connected"`
	Message   string `json:"message,omitempty"`
}

// UsageEvent is a buffered usage record that passed boundary validation.
type UsageEvent struct {
	CredentialKey    string
	AccountID        string
	Endpoint         string
	CreditsUsed      int64
	RemainingCredits int64
	ResponseTimeMS   int64
	Status           string
	Timestamp        time.Time
	Metadata         map[string]any
}

// InvalidEvent is a bucket entry rejected at the boundary. It keeps its
// position so callers can report it as a per-record failure.
type InvalidEvent struct {
	Index  int
	Reason string
}

// UsageLog is the content of one account-day bucket.
type UsageLog struct {
	Events  []UsageEvent
	Invalid []InvalidEvent
}

// Len is the total number of entries the cache returned.
func (l UsageLog) Len() int {
	return len(l.Events) + len(l.Invalid)
}

type usageLogWire struct {
	UsageRecords []usageEventWire `json:"usage_records"`
}

type usageEventWire struct {
	APIKey           string         `json:"api_key" validate:"required"`
	AccountID        string         `json:"user_id"`
	Endpoint         string         `json:"endpoint" validate:"required"`
	CreditsUsed      *int64         `json:"credits_used" validate:"required,gte=0"`
	RemainingCredits *int64         `json:"remaining_credits" validate:"required,gte=0"`
	ResponseTimeMS   int64          `json:"response_time_ms" validate:"gte=0"`
	Status           string         `json:"status"`
	Timestamp        string         `json:"timestamp" validate:"required"`
	Metadata         map[string]any `json:"metadata"`
}

type registerCredentialRequest struct {
	APIKey    string `json:"api_key"`
	AccountID string `json:"user_id"`
	Credits   int64  `json:"credits"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	Name      string `json:"name"`
}

type creditsRequest struct {
	Credits int64 `json:"credits"`
}

// RegisterCredentialInput carries the fields pushed on registration.
type RegisterCredentialInput struct {
	APIKey    string
	AccountID string
	Credits   int64
	Active    bool
	Name      string
	CreatedAt time.Time
}

// Message is the payload of calls that only acknowledge.
type Message struct {
	Message string `json:"message"`
}
