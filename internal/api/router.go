// Package api exposes the HTTP trigger for the reconciliation pipeline.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/JohanCodinha/timelink/internal/jobs"
	"github.com/JohanCodinha/timelink/internal/logger"
	"github.com/JohanCodinha/timelink/internal/md"
	"github.com/JohanCodinha/timelink/internal/sync"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Trigger starts background passes. *jobs.Runner implements it.
type Trigger interface {
	Start(ctx context.Context, stages ...sync.Stage) error
	Running() bool
}

// Handlers serves the HTTP routes.
type Handlers struct {
	trigger Trigger
	store   md.Source
	log     zerolog.Logger
	now     func() time.Time
}

// NewRouter builds the gin engine. debug enables gin's debug mode.
func NewRouter(trigger Trigger, store md.Source, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &Handlers{trigger: trigger, store: store, log: logger.Component("http"), now: time.Now}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).
			Dur("took", time.Since(start)).Msg("http")
	})

	r.GET("/healthz", h.Healthz)
	r.GET("/runs", h.Runs)
	r.GET("/status", h.Status)
	r.POST("/sync", h.Sync)
	r.POST("/stages/:stage", h.RunStage)

	return r
}

// Healthz reports liveness and whether a pass is running.
func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "running": h.trigger.Running()})
}

type runJSON struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
}

// Runs lists recent stage executions, newest first. ?limit=N, default 20.
func (h *Handlers) Runs(c *gin.Context) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toRunsJSON(runs))
}

func toRunsJSON(runs []cache.SyncRun) []runJSON {
	out := make([]runJSON, len(runs))
	for i, r := range runs {
		out[i] = runJSON{
			RunID:      r.RunID,
			Stage:      r.Stage,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Status:     r.Status,
			Detail:     r.Detail,
		}
	}
	return out
}

// Status renders the markdown status report.
func (h *Handlers) Status(c *gin.Context) {
	report, err := md.Gather(c.Request.Context(), h.store, 10, h.now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(md.StatusReport(report)))
}

// Sync queues a full pass over the configured lookback window.
func (h *Handlers) Sync(c *gin.Context) {
	h.start(c)
}

// RunStage queues a single stage.
func (h *Handlers) RunStage(c *gin.Context) {
	stage, err := sync.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.start(c, stage)
}

func (h *Handlers) start(c *gin.Context, stages ...sync.Stage) {
	err := h.trigger.Start(c.Request.Context(), stages...)
	if errors.Is(err, jobs.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
