package cachegateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/smallbiznis/creditsync/internal/config"
	"github.com/smallbiznis/creditsync/internal/observability/metrics"
	"github.com/smallbiznis/creditsync/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	tokenHeader     = "X-Internal-Token"
	maxResponseSize = 4 << 20

	msgNotConfigured = "cache sync not configured"
	msgNotFound      = "endpoint not available"
	msgFailed        = "cache sync failed"
)

// ErrMissingArgument is returned when a caller omits a required argument.
// It is the only error the client returns; everything else is a Result.
var ErrMissingArgument = errors.New("cachegateway: missing required argument")

// Gateway is the surface the reconciliation code depends on.
type Gateway interface {
	RegisterCredential(ctx context.Context, in RegisterCredentialInput) (Result[Message], error)
	DeleteCredential(ctx context.Context, key string) (Result[Message], error)
	GetCredential(ctx context.Context, key string) (Result[CredentialRecord], error)
	GetCredentialCredits(ctx context.Context, key string) (Result[Credits], error)
	SetCredits(ctx context.Context, key string, credits int64) (Result[Credits], error)
	SetAccountCredits(ctx context.Context, accountID string, credits int64) (Result[AccountCreditsUpdate], error)
	GetAccountCredentials(ctx context.Context, accountID string) (Result[AccountCredentials], error)
	GetUsageLog(ctx context.Context, accountID, day string) (Result[UsageLog], error)
	ClearUsageLog(ctx context.Context, accountID, day string) (Result[Message], error)
	CheckHealth(ctx context.Context) Result[SyncStatus]
}

type Params struct {
	fx.In

	Config     *config.GatewayConfigHolder
	Log        *zap.Logger
	HTTPClient *http.Client     `optional:"true"`
	ObsMetrics *metrics.Metrics `optional:"true"`
}

type Client struct {
	cfg        *config.GatewayConfigHolder
	httpClient *http.Client
	log        *zap.Logger
	obsMetrics *metrics.Metrics
}

var _ Gateway = (*Client)(nil)

func NewClient(p Params) *Client {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:        p.Config,
		httpClient: tracing.WrapHTTPClient(httpClient),
		log:        log.Named("cachegateway"),
		obsMetrics: p.ObsMetrics,
	}
}

func (c *Client) RegisterCredential(ctx context.Context, in RegisterCredentialInput) (Result[Message], error) {
	if strings.TrimSpace(in.APIKey) == "" || strings.TrimSpace(in.AccountID) == "" {
		return Result[Message]{}, ErrMissingArgument
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Unnamed Key"
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	body := registerCredentialRequest{
		APIKey:    in.APIKey,
		AccountID: in.AccountID,
		Credits:   in.Credits,
		Active:    in.Active,
		CreatedAt: createdAt.UTC().Format(time.RFC3339),
		Name:      name,
	}
	return call[Message](ctx, c, "register_credential", http.MethodPost, "/redis/api-key", body), nil
}

func (c *Client) DeleteCredential(ctx context.Context, key string) (Result[Message], error) {
	if strings.TrimSpace(key) == "" {
		return Result[Message]{}, ErrMissingArgument
	}
	return call[Message](ctx, c, "delete_credential", http.MethodDelete, "/redis/api-key/"+url.PathEscape(key), nil), nil
}

func (c *Client) GetCredential(ctx context.Context, key string) (Result[CredentialRecord], error) {
	if strings.TrimSpace(key) == "" {
		return Result[CredentialRecord]{}, ErrMissingArgument
	}
	return call[CredentialRecord](ctx, c, "get_credential", http.MethodGet, "/redis/api-key/"+url.PathEscape(key), nil), nil
}

func (c *Client) GetCredentialCredits(ctx context.Context, key string) (Result[Credits], error) {
	if strings.TrimSpace(key) == "" {
		return Result[Credits]{}, ErrMissingArgument
	}
	return call[Credits](ctx, c, "get_credits", http.MethodGet, "/redis/credits/"+url.PathEscape(key), nil), nil
}

// SetCredits overwrites the cached balance of one credential.
func (c *Client) SetCredits(ctx context.Context, key string, credits int64) (Result[Credits], error) {
	if strings.TrimSpace(key) == "" {
		return Result[Credits]{}, ErrMissingArgument
	}
	return call[Credits](ctx, c, "set_credits", http.MethodPatch, "/redis/credits/"+url.PathEscape(key), creditsRequest{Credits: credits}), nil
}

// SetAccountCredits overwrites the cached balance of every credential the
// account owns.
func (c *Client) SetAccountCredits(ctx context.Context, accountID string, credits int64) (Result[AccountCreditsUpdate], error) {
	if strings.TrimSpace(accountID) == "" {
		return Result[AccountCreditsUpdate]{}, ErrMissingArgument
	}
	return call[AccountCreditsUpdate](ctx, c, "set_account_credits", http.MethodPatch, "/redis/user-credits/"+url.PathEscape(accountID), creditsRequest{Credits: credits}), nil
}

func (c *Client) GetAccountCredentials(ctx context.Context, accountID string) (Result[AccountCredentials], error) {
	if strings.TrimSpace(accountID) == "" {
		return Result[AccountCredentials]{}, ErrMissingArgument
	}
	return call[AccountCredentials](ctx, c, "get_account_credentials", http.MethodGet, "/redis/user-api-keys/"+url.PathEscape(accountID), nil), nil
}

// GetUsageLog reads one account-day bucket. Entries that fail boundary
// validation are returned in UsageLog.Invalid instead of failing the call.
func (c *Client) GetUsageLog(ctx context.Context, accountID, day string) (Result[UsageLog], error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(day) == "" {
		return Result[UsageLog]{}, ErrMissingArgument
	}
	raw := call[usageLogWire](ctx, c, "get_usage_log", http.MethodGet, usageLogPath(accountID, day), nil)
	out := Result[UsageLog]{Success: raw.Success, StatusCode: raw.StatusCode, Message: raw.Message}
	if !raw.Success {
		return out, nil
	}
	var log UsageLog
	if raw.Data != nil {
		log = decodeUsageLog(*raw.Data)
	}
	out.Data = &log
	return out, nil
}

func (c *Client) ClearUsageLog(ctx context.Context, accountID, day string) (Result[Message], error) {
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(day) == "" {
		return Result[Message]{}, ErrMissingArgument
	}
	return call[Message](ctx, c, "clear_usage_log", http.MethodDelete, usageLogPath(accountID, day), nil), nil
}

func (c *Client) CheckHealth(ctx context.Context) Result[SyncStatus] {
	return call[SyncStatus](ctx, c, "sync_status", http.MethodGet, "/redis/sync-status", nil)
}

func usageLogPath(accountID, day string) string {
	return "/redis/usage-logs/" + url.PathEscape(accountID) + "/" + url.PathEscape(day)
}

type response struct {
	ok      bool
	status  int
	message string
	body    []byte
}

func call[T any](ctx context.Context, c *Client, op, method, path string, payload any) Result[T] {
	resp := c.do(ctx, op, method, path, payload)
	out := Result[T]{Success: resp.ok, StatusCode: resp.status, Message: resp.message}
	if !resp.ok || len(bytes.TrimSpace(resp.body)) == 0 {
		return out
	}
	var data T
	if err := json.Unmarshal(resp.body, &data); err != nil {
		c.log.Warn("cache gateway returned undecodable body",
			zap.String("operation", op),
			zap.Int("status_code", resp.status),
			zap.Error(err),
		)
		return Result[T]{StatusCode: http.StatusInternalServerError, Message: "invalid response from cache gateway"}
	}
	out.Data = &data
	return out
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) response {
	cfg := c.cfg.Get()
	if !cfg.Configured() {
		c.record(ctx, op, http.StatusServiceUnavailable)
		return response{status: http.StatusServiceUnavailable, message: msgNotConfigured}
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return response{status: http.StatusInternalServerError, message: "encode request: " + err.Error()}
		}
		body = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, body)
	if err != nil {
		return response{status: http.StatusInternalServerError, message: err.Error()}
	}
	req.Header.Set(tokenHeader, cfg.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		status, message := transportFailure(err)
		c.record(ctx, op, status)
		c.log.Warn("cache gateway request failed",
			zap.String("operation", op),
			zap.Int("status_code", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(tracing.SafeError(err)),
		)
		return response{status: status, message: message}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		status, message := transportFailure(err)
		c.record(ctx, op, status)
		return response{status: status, message: message}
	}

	c.record(ctx, op, resp.StatusCode)
	c.log.Debug("cache gateway request",
		zap.String("operation", op),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	env := parseEnvelope(raw)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return response{ok: true, status: resp.StatusCode, message: firstNonEmpty(env.Message, "Success"), body: raw}
	case resp.StatusCode == http.StatusNotFound:
		return response{status: resp.StatusCode, message: msgNotFound}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return response{status: resp.StatusCode, message: firstNonEmpty(flattenValidation(env.Detail), env.Message, "validation failed")}
	default:
		return response{status: resp.StatusCode, message: firstNonEmpty(env.Message, detailText(env.Detail), msgFailed)}
	}
}

func (c *Client) record(ctx context.Context, op string, status int) {
	metrics.Sync().IncGatewayRequest(op, status)
	c.obsMetrics.RecordGatewayRequest(ctx, op, status)
}

// transportFailure maps a failed round trip onto a status code: 504 for
// timeouts, 502 for refused connections and DNS failures, 500 otherwise.
func transportFailure(err error) (int, string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout, "cache gateway timeout"
	}
	var dnsErr *net.DNSError
	if errors.Is(err, syscall.ECONNREFUSED) || errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "cache gateway unreachable"
	}
	return http.StatusInternalServerError, fmt.Sprintf("cache gateway request failed: %v", tracing.SafeError(err))
}

type envelope struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

func parseEnvelope(raw []byte) envelope {
	var env envelope
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env
	}
	_ = json.Unmarshal(trimmed, &env)
	env.Message = strings.TrimSpace(env.Message)
	return env
}

type validationIssue struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

// flattenValidation renders [{loc:["body","credits"],msg:"..."}] as
// "body.credits: ...; ...".
func flattenValidation(detail json.RawMessage) string {
	if len(detail) == 0 {
		return ""
	}
	var issues []validationIssue
	if err := json.Unmarshal(detail, &issues); err != nil {
		return detailText(detail)
	}
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		loc := make([]string, 0, len(issue.Loc))
		for _, segment := range issue.Loc {
			loc = append(loc, fmt.Sprint(segment))
		}
		msg := strings.TrimSpace(issue.Msg)
		if len(loc) == 0 {
			parts = append(parts, msg)
			continue
		}
		parts = append(parts, strings.Join(loc, ".")+": "+msg)
	}
	return strings.Join(parts, "; ")
}

func detailText(detail json.RawMessage) string {
	var text string
	if err := json.Unmarshal(detail, &text); err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
