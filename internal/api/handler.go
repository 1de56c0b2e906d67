package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/metrics"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// Pool is the subset of pool.Manager the control API drives.
type Pool interface {
	Name() string
	Stats(ctx context.Context) (*domain.PoolStats, error)
	Assign(ctx context.Context) (*domain.AssignedVM, error)
	ResetVM(ctx context.Context, id string) error
	TerminateVM(ctx context.Context, id string) error
}

// Pinger reports whether the pool state store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handler holds the HTTP handlers and dependencies.
type Handler struct {
	cfg     *config.Config
	pools   map[string]Pool
	store   Pinger
	metrics *metrics.Collector
	logger  *logging.Logger

	// Resets accepted by the API run after the response is sent.
	resets     sync.WaitGroup
	resetAfter time.Duration
}

// NewHandler creates a new API handler. m may be nil.
func NewHandler(cfg *config.Config, pools []Pool, st Pinger, m *metrics.Collector, logger *logging.Logger) *Handler {
	byName := make(map[string]Pool, len(pools))
	for _, p := range pools {
		byName[p.Name()] = p
	}
	return &Handler{
		cfg:        cfg,
		pools:      byName,
		store:      st,
		metrics:    m,
		logger:     logger.With("component", "api"),
		resetAfter: 10 * time.Minute,
	}
}

// Router returns the configured Gin router.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(h.logger))
	if h.metrics != nil {
		r.Use(RequestMetrics(h.metrics))
	}

	r.GET("/health", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuth(h.cfg.Server.APIKey))
	{
		v1.GET("/pools", h.listPools)

		pool := v1.Group("/pools/:pool")
		{
			pool.GET("/stats", h.poolStats)
			pool.POST("/assign", h.assign)
			pool.POST("/vms/:id/reset", h.resetVM)
			pool.DELETE("/vms/:id", h.terminateVM)
		}
	}

	return r
}

// Wait blocks until every reset accepted by the API has finished.
func (h *Handler) Wait() {
	h.resets.Wait()
}

// health reports whether the store is reachable.
func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"pools":  h.poolNames(),
	})
}

func (h *Handler) poolNames() []string {
	names := make([]string, 0, len(h.pools))
	for name := range h.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Handler) lookup(c *gin.Context) (Pool, bool) {
	p, ok := h.pools[c.Param("pool")]
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: domain.ErrPoolNotFound.Error(),
			Code:  "POOL_NOT_FOUND",
		})
		return nil, false
	}
	return p, true
}

// listPools returns statistics for every configured pool.
func (h *Handler) listPools(c *gin.Context) {
	out := make([]*domain.PoolStats, 0, len(h.pools))
	for _, name := range h.poolNames() {
		stats, err := h.pools[name].Stats(c.Request.Context())
		if err != nil {
			h.storeError(c, err)
			return
		}
		out = append(out, stats)
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

func (h *Handler) poolStats(c *gin.Context) {
	p, ok := h.lookup(c)
	if !ok {
		return
	}
	stats, err := p.Stats(c.Request.Context())
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pool":      stats.Pool,
		"available": stats.Available,
		"staging":   stats.Staging,
		"locked":    stats.Locked,
		"mode":      stats.Mode(),
		"target":    stats.Target(),
	})
}

// assign blocks until an instance is assigned or the assign timeout passes.
func (h *Handler) assign(c *gin.Context) {
	p, ok := h.lookup(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Server.AssignTimeout)
	defer cancel()

	vm, err := p.Assign(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, ErrorResponse{
				Error: "no instance became available in time",
				Code:  "ASSIGN_TIMEOUT",
			})
			return
		}
		if errors.Is(err, context.Canceled) {
			// Client went away.
			c.Status(499)
			return
		}
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

// resetVM schedules a reset and returns immediately; the settle delay makes
// resets too slow to hold a request open.
func (h *Handler) resetVM(c *gin.Context) {
	p, ok := h.lookup(c)
	if !ok {
		return
	}
	id := c.Param("id")

	h.resets.Add(1)
	go func() {
		defer h.resets.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.resetAfter)
		defer cancel()
		if err := p.ResetVM(ctx, id); err != nil {
			h.logger.Error("Failed to reset instance", "pool", p.Name(), "vmID", id, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "resetting"})
}

func (h *Handler) terminateVM(c *gin.Context) {
	p, ok := h.lookup(c)
	if !ok {
		return
	}
	id := c.Param("id")

	if err := p.TerminateVM(c.Request.Context(), id); err != nil {
		h.logger.Error("Failed to terminate instance", "pool", p.Name(), "vmID", id, "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: err.Error(),
			Code:  "PROVIDER_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "terminated"})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	h.logger.Error("Store request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: err.Error(),
		Code:  "STORE_UNAVAILABLE",
	})
}
