package cachegateway

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func usageValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			return jsonName(field.Tag.Get("json"), field.Name)
		})
	})
	return validate
}

// Layouts the cache service has been seen to emit. Zone-less values are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func decodeUsageLog(wire usageLogWire) UsageLog {
	out := UsageLog{Events: make([]UsageEvent, 0, len(wire.UsageRecords))}
	v := usageValidator()
	for i, rec := range wire.UsageRecords {
		if err := v.Struct(rec); err != nil {
			out.Invalid = append(out.Invalid, InvalidEvent{Index: i, Reason: describeValidation(err)})
			continue
		}
		ts, err := parseTimestamp(rec.Timestamp)
		if err != nil {
			out.Invalid = append(out.Invalid, InvalidEvent{Index: i, Reason: err.Error()})
			continue
		}
		status := strings.TrimSpace(rec.Status)
		if status == "" {
			status = "success"
		}
		out.Events = append(out.Events, UsageEvent{
			CredentialKey:    strings.TrimSpace(rec.APIKey),
			AccountID:        strings.TrimSpace(rec.AccountID),
			Endpoint:         rec.Endpoint,
			CreditsUsed:      *rec.CreditsUsed,
			RemainingCredits: *rec.RemainingCredits,
			ResponseTimeMS:   rec.ResponseTimeMS,
			Status:           status,
			Timestamp:        ts,
			Metadata:         rec.Metadata,
		})
	}
	return out
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func jsonName(tag, fallback string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return fallback
	}
	return name
}
