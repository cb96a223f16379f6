package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/storage"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Backends  []string  `json:"backends"`
}

// RunBenchmarkRequest is the request to execute one benchmark run
type RunBenchmarkRequest struct {
	Backend       string  `json:"backend" binding:"required"`
	Model         string  `json:"model,omitempty"`
	Prompt        string  `json:"prompt" binding:"required"`
	TotalRequests int     `json:"total_requests" binding:"required,min=1"`
	Concurrency   int     `json:"concurrency" binding:"required,min=1"`
	MaxTokens     int     `json:"max_tokens,omitempty" binding:"omitempty,min=0"`
	Stream        bool    `json:"stream,omitempty"`
	BatchSize     int     `json:"batch_size,omitempty" binding:"omitempty,min=0"`
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	ContextSize   int     `json:"context_size,omitempty"`
}

func (r RunBenchmarkRequest) toConfig() bench.Config {
	return bench.Config{
		Backend:       r.Backend,
		Model:         r.Model,
		Prompt:        r.Prompt,
		TotalRequests: r.TotalRequests,
		Concurrency:   r.Concurrency,
		MaxTokens:     r.MaxTokens,
		Stream:        r.Stream,
		BatchSize:     r.BatchSize,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		TopK:          r.TopK,
		ContextSize:   r.ContextSize,
	}
}

// StartTuneRequest is the request to begin an auto-tune search
type StartTuneRequest struct {
	Backend string `json:"backend" binding:"required"`
}

// ListBenchmarksQuery defines query parameters for listing runs
type ListBenchmarksQuery struct {
	Backend string `form:"backend"`
	Model   string `form:"model"`
	Limit   int    `form:"limit"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Backends:  s.service.Backends(),
	})
}

func (s *Server) handleListBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": s.service.Backends()})
}

func (s *Server) handleRunBenchmark(c *gin.Context) {
	var req RunBenchmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.service.RunBenchmark(c.Request.Context(), req.toConfig())
	if err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListBenchmarks(c *gin.Context) {
	var query ListBenchmarksQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.badRequest(c, err)
		return
	}
	if query.Limit <= 0 || query.Limit > 500 {
		query.Limit = 100
	}

	results, err := s.service.ListRuns(c.Request.Context(), storage.RunFilter{
		Backend: query.Backend,
		Model:   query.Model,
		Limit:   query.Limit,
	})
	if err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": results, "count": len(results)})
}

func (s *Server) handleGetBenchmark(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.badRequest(c, errors.New("run id must be an integer"))
		return
	}

	result, err := s.service.GetRun(c.Request.Context(), id)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRunStatus(c *gin.Context) {
	status := s.service.RunStatus()
	if status == nil {
		c.JSON(http.StatusOK, gin.H{"state": "idle"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStartTune(c *gin.Context) {
	var req StartTuneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	session, err := s.service.StartTune(req.Backend)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, session)
}

func (s *Server) handleTuneStatus(c *gin.Context) {
	session := s.service.TuneStatus()
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"status": "idle"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleStopTune(c *gin.Context) {
	if !s.service.StopTune() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "no auto-tune search in progress",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

func (s *Server) handleTuneHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	sessions, err := s.service.TuneHistory(c.Request.Context(), c.Query("backend"), limit)
	if err != nil {
		s.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleTelemetry(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Telemetry(c.Request.Context()))
}

// Error mapping

func (s *Server) badRequest(c *gin.Context, err error) {
	msg := err.Error()
	var verr validator.ValidationErrors
	if errors.As(err, &verr) && len(verr) > 0 {
		msg = "invalid request: field " + verr[0].Field()
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

// serviceError maps domain errors onto HTTP status codes.
func (s *Server) serviceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bench.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, bench.ErrUnknownBackend), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bench.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, bench.ErrNoSuccessfulRequests):
		status = http.StatusBadGateway
	}

	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}
