package cachegateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/creditsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *config.GatewayConfigHolder, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	holder := config.NewStaticGatewayConfig(config.GatewayConfig{
		BaseURL: srv.URL + "/",
		Token:   "secret",
		Timeout: 2 * time.Second,
	})
	return NewClient(Params{Config: holder}), holder, &hits
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestNotConfiguredShortCircuitsWithoutNetwork(t *testing.T) {
	client, holder, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"credits": 10})
	})
	holder.Set(config.GatewayConfig{BaseURL: holder.Get().BaseURL})

	res, err := client.GetCredentialCredits(context.Background(), "key-a")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "cache sync not configured", res.Message)
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestConfigurationIsReadOnEveryCall(t *testing.T) {
	client, holder, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"credits": 10})
	})
	configured := holder.Get()

	holder.Set(config.GatewayConfig{})
	res, err := client.GetCredentialCredits(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	holder.Set(configured)
	res, err = client.GetCredentialCredits(context.Background(), "key-a")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.Equal(t, int64(10), res.Data.Credits)
}

func TestSuccessSendsTokenAndDecodesPayload(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Internal-Token"))
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/redis/credits/key-a", r.URL.Path)

		var body map[string]int64
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(500), body["credits"])
		writeJSON(w, http.StatusOK, map[string]any{"api_key": "key-a", "credits": 500})
	})

	res, err := client.SetCredits(context.Background(), "key-a", 500)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Success", res.Message)
	require.NotNil(t, res.Data)
	assert.Equal(t, int64(500), res.Data.Credits)
}

func TestSuccessKeepsRemoteMessage(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "logs cleared"})
	})

	res, err := client.ClearUsageLog(context.Background(), "acct-a", "20240301")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "logs cleared", res.Message)
}

func TestNotFoundIsDistinctOutcome(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "no usage"})
	})

	res, err := client.GetUsageLog(context.Background(), "acct-a", "20240301")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.NotFound())
	assert.Equal(t, "endpoint not available", res.Message)
	assert.Nil(t, res.Data)
}

func TestValidationErrorsAreFlattened(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{
				{"loc": []any{"body", "credits"}, "msg": "must be >= 0"},
				{"loc": []any{"body", "api_key", 0}, "msg": "field required"},
			},
		})
	})

	res, err := client.SetCredits(context.Background(), "key-a", -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "body.credits: must be >= 0; body.api_key.0: field required", res.Message)
}

func TestErrorStatusMessageFallbacks(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    any
		message string
	}{
		{name: "message", status: http.StatusBadRequest, body: map[string]any{"message": "bad key"}, message: "bad key"},
		{name: "detail", status: http.StatusInternalServerError, body: map[string]any{"detail": "redis down"}, message: "redis down"},
		{name: "empty", status: http.StatusForbidden, body: nil, message: "cache sync failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.body == nil {
					w.WriteHeader(tc.status)
					return
				}
				writeJSON(w, tc.status, tc.body)
			})

			res, err := client.GetCredential(context.Background(), "key-a")
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tc.status, res.StatusCode)
			assert.Equal(t, tc.message, res.Message)
		})
	}
}

func TestConnectionRefusedMapsToBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := NewClient(Params{Config: config.NewStaticGatewayConfig(config.GatewayConfig{
		BaseURL: addr,
		Token:   "secret",
		Timeout: time.Second,
	})})

	res, err := client.GetCredentialCredits(context.Background(), "key-a")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestSlowGatewayMapsToGatewayTimeout(t *testing.T) {
	client, holder, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	cfg := holder.Get()
	cfg.Timeout = 20 * time.Millisecond
	holder.Set(cfg)

	res := client.CheckHealth(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)
}

func TestUsageLogSeparatesInvalidEvents(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/redis/usage-logs/acct-a/20240301", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"usage_records": []map[string]any{
				{
					"api_key":           "key-a",
					"user_id":           "acct-a",
					"endpoint":          "/search",
					"credits_used":      20,
					"remaining_credits": 80,
					"response_time_ms":  35,
					"timestamp":         "2024-03-01T10:00:00.123456",
					"metadata":          map[string]any{"q": "go"},
				},
				{
					"api_key":           "key-a",
					"endpoint":          "/search",
					"remaining_credits": 60,
					"status":            "success",
					"timestamp":         "2024-03-01T10:05:00Z",
				},
				{
					"api_key":           "key-a",
					"endpoint":          "/search",
					"credits_used":      5,
					"remaining_credits": 75,
					"status":            "error",
					"timestamp":         "yesterday",
				},
			},
		})
	})

	res, err := client.GetUsageLog(context.Background(), "acct-a", "20240301")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Data)

	log := *res.Data
	assert.Equal(t, 3, log.Len())
	require.Len(t, log.Events, 1)
	event := log.Events[0]
	assert.Equal(t, "key-a", event.CredentialKey)
	assert.Equal(t, int64(20), event.CreditsUsed)
	assert.Equal(t, int64(80), event.RemainingCredits)
	assert.Equal(t, "success", event.Status)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC), event.Timestamp)
	assert.Equal(t, "go", event.Metadata["q"])

	require.Len(t, log.Invalid, 2)
	assert.Equal(t, 1, log.Invalid[0].Index)
	assert.Contains(t, log.Invalid[0].Reason, "credits_used")
	assert.Equal(t, 2, log.Invalid[1].Index)
	assert.Contains(t, log.Invalid[1].Reason, "timestamp")
}

func TestEmptyUsageLogBody(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"usage_records": []any{}})
	})

	res, err := client.GetUsageLog(context.Background(), "acct-a", "20240301")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.Zero(t, res.Data.Len())
}

func TestRegisterCredentialDefaultsName(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body registerCredentialRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Unnamed Key", body.Name)
		assert.Equal(t, "acct-a", body.AccountID)
		assert.Equal(t, int64(100), body.Credits)
		assert.True(t, body.Active)
		writeJSON(w, http.StatusCreated, map[string]any{"message": "registered"})
	})

	res, err := client.RegisterCredential(context.Background(), RegisterCredentialInput{
		APIKey:    "key-a",
		AccountID: "acct-a",
		Credits:   100,
		Active:    true,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "registered", res.Message)
}

func TestDeleteCredentialEscapesKey(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/redis/api-key/key%2Fa", r.URL.EscapedPath())
		writeJSON(w, http.StatusOK, map[string]any{"message": "API key deleted"})
	})

	res, err := client.DeleteCredential(context.Background(), "key/a")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "API key deleted", res.Message)
}

func TestDeleteUnknownCredentialIsNotFound(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "not found"})
	})

	res, err := client.DeleteCredential(context.Background(), "key-a")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.NotFound())
}

func TestGetAccountCredentialsDecodesKeys(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/redis/user-api-keys/acct-a", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": "acct-a",
			"api_keys": []map[string]any{
				{"api_key": "key-1", "user_id": "acct-a", "credits": 40, "active": true},
				{"api_key": "key-2", "user_id": "acct-a", "credits": 0, "active": false, "name": "old"},
			},
		})
	})

	res, err := client.GetAccountCredentials(context.Background(), "acct-a")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.Equal(t, "acct-a", res.Data.AccountID)
	require.Len(t, res.Data.APIKeys, 2)
	assert.Equal(t, CredentialRecord{APIKey: "key-1", AccountID: "acct-a", Credits: 40, Active: true}, res.Data.APIKeys[0])
	assert.Equal(t, "old", res.Data.APIKeys[1].Name)
	assert.False(t, res.Data.APIKeys[1].Active)
}

func TestMissingArgumentsAreProgrammerErrors(t *testing.T) {
	client, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	_, err := client.GetCredential(ctx, " ")
	assert.ErrorIs(t, err, ErrMissingArgument)
	_, err = client.GetUsageLog(ctx, "acct-a", "")
	assert.ErrorIs(t, err, ErrMissingArgument)
	_, err = client.SetAccountCredits(ctx, "", 10)
	assert.ErrorIs(t, err, ErrMissingArgument)
	_, err = client.RegisterCredential(ctx, RegisterCredentialInput{APIKey: "key-a"})
	assert.ErrorIs(t, err, ErrMissingArgument)
	_, err = client.DeleteCredential(ctx, "")
	assert.ErrorIs(t, err, ErrMissingArgument)
	_, err = client.GetAccountCredentials(ctx, "\t")
	assert.ErrorIs(t, err, ErrMissingArgument)
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		"2024-03-01T10:00:00Z",
		"2024-03-01T12:00:00+02:00",
		"2024-03-01T10:00:00",
		"2024-03-01 10:00:00",
		"1709287200",
		"1709287200000",
	} {
		got, err := parseTimestamp(raw)
		require.NoError(t, err, raw)
		assert.True(t, want.Equal(got), raw)
	}

	_, err := parseTimestamp("")
	assert.Error(t, err)
}
