package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderTestSync = "X-Test-Sync"

// CronAuthRequired accepts only "Bearer <CRON_SECRET>".
func (s *Server) CronAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.driver.Authorize(c.GetHeader("Authorization")); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// ManualTriggerAllowed opens the manual trigger in development, or to
// callers that send the test header.
func (s *Server) ManualTriggerAllowed() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.IsDevelopment() || strings.TrimSpace(c.GetHeader(HeaderTestSync)) != "" {
			c.Next()
			return
		}
		AbortWithError(c, ErrForbidden)
	}
}
