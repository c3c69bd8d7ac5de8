// Package gatewaytest runs an in-process stand-in for the cache service.
package gatewaytest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditsync/internal/cachegateway"
	"github.com/smallbiznis/creditsync/internal/config"
)

const Token = "test-internal-token"

// Event is a usage record as the cache stores it.
type Event struct {
	APIKey           string
	AccountID        string
	Endpoint         string
	CreditsUsed      int64
	RemainingCredits int64
	Status           string
	Timestamp        time.Time
}

// Server serves the /redis/* endpoints from memory.
type Server struct {
	srv    *httptest.Server
	holder *config.GatewayConfigHolder

	mu           sync.Mutex
	credits      map[string]int64
	owners       map[string]string
	buckets      map[string][]gin.H
	failUsage    map[string]int
	failCredits  map[string]int
	failClear    bool
	clearCalls   int
	usageReads   int
	onUsageRead  func(accountID string)
	setCalls     int
	accountWrite int
}

func New(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		credits:     map[string]int64{},
		owners:      map[string]string{},
		buckets:     map[string][]gin.H{},
		failUsage:   map[string]int{},
		failCredits: map[string]int{},
	}

	r := gin.New()
	api := r.Group("/redis", s.auth)
	api.POST("/api-key", s.registerKey)
	api.GET("/api-key/:key", s.getKey)
	api.DELETE("/api-key/:key", s.deleteKey)
	api.GET("/credits/:key", s.getCredits)
	api.PATCH("/credits/:key", s.setCredits)
	api.PATCH("/user-credits/:account", s.setAccountCredits)
	api.GET("/user-api-keys/:account", s.accountKeys)
	api.GET("/usage-logs/:account/:day", s.getUsage)
	api.DELETE("/usage-logs/:account/:day", s.clearUsage)
	api.GET("/sync-status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "redis_connected": true})
	})

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)

	s.holder = config.NewStaticGatewayConfig(config.GatewayConfig{
		BaseURL: s.srv.URL,
		Token:   Token,
		Timeout: 2 * time.Second,
	})
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Holder() *config.GatewayConfigHolder { return s.holder }

// Client returns a real gateway client pointed at this server.
func (s *Server) Client() *cachegateway.Client {
	return cachegateway.NewClient(cachegateway.Params{Config: s.holder})
}

func (s *Server) SetCredential(key, accountID string, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[key] = credits
	s.owners[key] = accountID
}

func (s *Server) Credits(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.credits[key]
	return v, ok
}

func (s *Server) AddUsage(accountID, day string, events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := bucketKey(accountID, day)
	for _, e := range events {
		status := e.Status
		if status == "" {
			status = "success"
		}
		s.buckets[bucket] = append(s.buckets[bucket], gin.H{
			"api_key":           e.APIKey,
			"user_id":           e.AccountID,
			"endpoint":          e.Endpoint,
			"credits_used":      e.CreditsUsed,
			"remaining_credits": e.RemainingCredits,
			"response_time_ms":  12,
			"status":            status,
			"timestamp":         e.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
}

// AddRawUsage appends an entry verbatim, for malformed-payload cases.
func (s *Server) AddRawUsage(accountID, day string, raw gin.H) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := bucketKey(accountID, day)
	s.buckets[bucket] = append(s.buckets[bucket], raw)
}

func (s *Server) BucketLen(accountID, day string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets[bucketKey(accountID, day)])
}

// FailUsageLog makes usage-log reads for the account answer with status.
func (s *Server) FailUsageLog(accountID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUsage[accountID] = status
}

// FailCredits makes credit reads and writes for key answer with status.
func (s *Server) FailCredits(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCredits[key] = status
}

func (s *Server) FailClear(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failClear = fail
}

// OnUsageRead runs before every usage-log read. Tests use it to advance a
// fake clock per account.
func (s *Server) OnUsageRead(fn func(accountID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUsageRead = fn
}

func (s *Server) ClearCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCalls
}

func (s *Server) UsageReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageReads
}

func (s *Server) SetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls + s.accountWrite
}

func (s *Server) auth(c *gin.Context) {
	if c.GetHeader("X-Internal-Token") != Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid internal token"})
		return
	}
	c.Next()
}

func (s *Server) registerKey(c *gin.Context) {
	var req struct {
		APIKey  string `json:"api_key"`
		UserID  string `json:"user_id"`
		Credits *int64 `json:"credits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" || req.Credits == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "api_key"}, "msg": "field required"}}})
		return
	}
	s.SetCredential(req.APIKey, req.UserID, *req.Credits)
	c.JSON(http.StatusOK, gin.H{"message": "API key registered"})
}

func (s *Server) getKey(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.Param("key")
	credits, ok := s.credits[key]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": key, "user_id": s.owners[key], "credits": credits, "active": true})
}

func (s *Server) deleteKey(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.Param("key")
	if _, ok := s.credits[key]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	delete(s.credits, key)
	delete(s.owners, key)
	c.JSON(http.StatusOK, gin.H{"message": "API key deleted"})
}

func (s *Server) getCredits(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.Param("key")
	if status, ok := s.failCredits[key]; ok {
		c.JSON(status, gin.H{"detail": "injected failure"})
		return
	}
	credits, ok := s.credits[key]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": key, "credits": credits})
}

func (s *Server) setCredits(c *gin.Context) {
	var req struct {
		Credits *int64 `json:"credits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Credits == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "credits"}, "msg": "field required"}}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.Param("key")
	if status, ok := s.failCredits[key]; ok {
		c.JSON(status, gin.H{"detail": "injected failure"})
		return
	}
	if _, ok := s.credits[key]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	s.setCalls++
	s.credits[key] = *req.Credits
	c.JSON(http.StatusOK, gin.H{"api_key": key, "credits": *req.Credits})
}

func (s *Server) setAccountCredits(c *gin.Context) {
	var req struct {
		Credits *int64 `json:"credits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Credits == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "credits"}, "msg": "field required"}}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account := c.Param("account")
	updated := 0
	for key, owner := range s.owners {
		if owner != account {
			continue
		}
		if status, ok := s.failCredits[key]; ok {
			c.JSON(status, gin.H{"detail": "injected failure"})
			return
		}
		s.credits[key] = *req.Credits
		updated++
	}
	if updated == 0 {
		c.JSON(http.StatusNotFound, gin.H{"detail": "no api keys"})
		return
	}
	s.accountWrite++
	c.JSON(http.StatusOK, gin.H{"user_id": account, "credits": *req.Credits, "updated_keys": updated})
}

func (s *Server) accountKeys(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := c.Param("account")
	keys := make([]string, 0)
	for key, owner := range s.owners {
		if owner == account {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		out = append(out, gin.H{"api_key": key, "user_id": account, "credits": s.credits[key], "active": true})
	}
	c.JSON(http.StatusOK, gin.H{"user_id": account, "api_keys": out})
}

func (s *Server) getUsage(c *gin.Context) {
	account := c.Param("account")

	s.mu.Lock()
	hook := s.onUsageRead
	s.usageReads++
	s.mu.Unlock()
	if hook != nil {
		hook(account)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.failUsage[account]; ok {
		c.JSON(status, gin.H{"detail": "injected failure"})
		return
	}
	records, ok := s.buckets[bucketKey(account, c.Param("day"))]
	if !ok || len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"detail": "no usage logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage_records": records})
}

func (s *Server) clearUsage(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	if s.failClear {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "injected failure"})
		return
	}
	delete(s.buckets, bucketKey(c.Param("account"), c.Param("day")))
	c.JSON(http.StatusOK, gin.H{"message": "usage logs cleared"})
}

func bucketKey(accountID, day string) string {
	return accountID + "/" + day
}
