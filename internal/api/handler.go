package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docproc/internal/jobs"
	"docproc/internal/kv"
)

const defaultRunTimeout = 5 * time.Minute

type Handler struct {
	jobs       Jobs
	runner     Runner
	health     Pinger
	runTimeout time.Duration
	logger     *slog.Logger
}

func NewHandler(j Jobs, runner Runner, health Pinger, runTimeout time.Duration, logger *slog.Logger) *Handler {
	if runTimeout <= 0 {
		runTimeout = defaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:       j,
		runner:     runner,
		health:     health,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

// NewRouter registers the job routes. A nil gate serves them unprotected.
func NewRouter(h *Handler, gate *Gate) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	limit := func(string) gin.HandlerFunc { return func(c *gin.Context) { c.Next() } }
	if gate != nil {
		r.Use(gate.Middleware())
		limit = gate.Limit
	}
	r.GET("/health", h.Health)
	r.POST("/jobs", limit(ClassIntake), h.PostJobs)
	r.GET("/jobs/:id", limit(ClassStatus), h.GetJob)
	r.DELETE("/jobs/:id", limit(ClassCancel), h.CancelJob)
	r.POST("/jobs/:id/run", limit(ClassTrigger), h.RunJob)
	return r
}

func (h *Handler) PostJobs(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidJSON})
		return
	}
	if len(req.Schema) > MaxSchemaBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: ErrSchemaTooLarge})
		return
	}

	job, created, err := h.jobs.CreateJobOnce(c.Request.Context(), c.GetHeader(IdempotencyHeader), jobs.NewJob{
		DocumentID:     req.DocumentID,
		SystemPromptID: req.SystemPromptID,
		CustomPromptID: req.CustomPromptID,
		Schema:         req.Schema,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	c.JSON(code, newJobResponse(job))
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (h *Handler) CancelJob(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

// RunJob executes the job inline, detached from the client connection and
// bounded by the run timeout.
func (h *Handler) RunJob(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.runTimeout)
	defer cancel()

	job, err := h.runner.Trigger(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.health.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrInvalidRequest, Message: err.Error()})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrJobNotFound})
	case errors.Is(err, jobs.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: ErrInvalidTransition, Message: err.Error()})
	case errors.Is(err, kv.ErrUnavailable):
		h.logger.Error("kv store unavailable", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrStoreUnavailable})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrStore})
	}
}
