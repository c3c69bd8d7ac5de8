package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditsync/internal/scheduler"
	usagedomain "github.com/smallbiznis/creditsync/internal/usage/domain"
	"go.uber.org/zap"
)

type runFailedResponse struct {
	errorResponse
	RunID string          `json:"run_id,omitempty"`
	State scheduler.State `json:"state,omitempty"`
	Date  string          `json:"date,omitempty"`
}

// TriggerSync runs the scheduled sweep for the external cron.
func (s *Server) TriggerSync(c *gin.Context) {
	req, err := parseRunRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.Trigger = scheduler.TriggerCron
	s.runSync(c, req)
}

// ManualSync is the operator trigger. It never repairs discrepancies.
func (s *Server) ManualSync(c *gin.Context) {
	req, err := parseRunRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.Manual = true
	req.Trigger = scheduler.TriggerManual
	s.runSync(c, req)
}

func (s *Server) runSync(c *gin.Context, req scheduler.RunRequest) {
	report, err := s.driver.Run(c.Request.Context(), req)
	if err != nil {
		status, payload := mapError(err)
		s.log.Error("sync run failed",
			zap.String("run_id", report.RunID),
			zap.String("date", report.Date),
			zap.Error(err),
		)
		c.JSON(status, runFailedResponse{
			errorResponse: payload,
			RunID:         report.RunID,
			State:         report.State,
			Date:          report.Date,
		})
		return
	}

	status := http.StatusOK
	if report.Accepted() {
		status = http.StatusAccepted
	}
	c.JSON(status, report)
}

type componentStatus struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

type syncStatusResponse struct {
	SyncService     string               `json:"sync_service"`
	LastCheck       time.Time            `json:"last_check"`
	CacheAPI        componentStatus      `json:"cache_api"`
	Database        componentStatus      `json:"database"`
	LastRun         *scheduler.RunReport `json:"last_run,omitempty"`
	Recommendations recommendations      `json:"recommendations"`
}

type recommendations struct {
	ShouldSync    bool   `json:"should_sync"`
	SuggestedDate string `json:"suggested_date"`
}

// SyncStatus probes the cache gateway and the ledger.
func (s *Server) SyncStatus(c *gin.Context) {
	health := s.usageSvc.HealthCheck(c.Request.Context())

	state := "unhealthy"
	if health.Healthy {
		state = "healthy"
	}
	resp := syncStatusResponse{
		SyncService: state,
		LastCheck:   health.CheckedAt,
		CacheAPI:    componentStatus(health.Cache),
		Database:    componentStatus(health.Database),
		Recommendations: recommendations{
			ShouldSync:    health.Healthy,
			SuggestedDate: usagedomain.Yesterday(s.clock.Now()),
		},
	}
	if last, ok := s.driver.LastReport(); ok {
		resp.LastRun = &last
	}
	c.JSON(http.StatusOK, resp)
}
