package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditsync/internal/scheduler"
)

const maxBatchSize = 5000

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseRunRequest reads date, force_full and batch_size. A malformed date
// is left for the driver, which falls back to yesterday.
func parseRunRequest(c *gin.Context) (scheduler.RunRequest, error) {
	req := scheduler.RunRequest{Date: strings.TrimSpace(c.Query("date"))}

	forceFull, err := parseOptionalBool(c.Query("force_full"))
	if err != nil {
		return req, newValidationError("force_full", "invalid_force_full", "force_full must be true or false")
	}
	if forceFull != nil {
		req.ForceFull = *forceFull
	}

	batchSize, err := parseOptionalInt(c.Query("batch_size"))
	if err != nil || (batchSize != nil && (*batchSize <= 0 || *batchSize > maxBatchSize)) {
		return req, newValidationError("batch_size", "invalid_batch_size", "batch_size must be between 1 and 5000")
	}
	if batchSize != nil {
		req.BatchSize = *batchSize
	}
	return req, nil
}
