package assembly

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/instantcocoa/loom/pkg/cache"
)

// Handler exposes the assembly engine over HTTP and WebSocket.
type Handler struct {
	engine       *Engine
	log          Log
	limiter      *cache.RateLimiter
	resyncWindow time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// NewHandler creates an HTTP handler over an engine and its span log.
func NewHandler(engine *Engine, log Log, resyncWindow time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		engine:       engine,
		log:          log,
		resyncWindow: resyncWindow,
		logger:       logger.With("component", "assembly-api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// WithRateLimiter limits resync requests; nil leaves them unlimited.
func (h *Handler) WithRateLimiter(rl *cache.RateLimiter) *Handler {
	h.limiter = rl
	return h
}

// Register mounts the routes on an echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/v1/sessions", h.GetSessions)
	e.GET("/v1/revision", h.GetRevision)
	e.GET("/v1/promoted", h.GetPromoted)
	e.GET("/v1/health", h.GetHealth)
	e.GET("/v1/watch", h.Watch)
	e.POST("/v1/spans", h.AppendSpan)
	e.POST("/v1/resync", h.Resync)
	e.POST("/v1/reset", h.Reset)
}

// SessionsResponse is the published forest plus its revision.
type SessionsResponse struct {
	Sessions []*Session `json:"sessions"`
	Revision uint64     `json:"revision"`
}

// GetSessions returns the current session forest.
// GET /v1/sessions
func (h *Handler) GetSessions(c echo.Context) error {
	roots, rev := h.engine.Snapshot()
	if roots == nil {
		roots = []*Session{}
	}
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: roots, Revision: rev})
}

// GetRevision returns the current revision without the forest, for cheap
// change polling.
// GET /v1/revision
func (h *Handler) GetRevision(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]uint64{"revision": h.engine.Revision()})
}

// GetPromoted returns and clears the newly-promoted coordinator ids.
// GET /v1/promoted
func (h *Handler) GetPromoted(c echo.Context) error {
	promoted := h.engine.ConsumePromoted()
	if promoted == nil {
		promoted = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"promoted": promoted})
}

// GetHealth reports engine statistics and feed liveness.
// GET /v1/health
func (h *Handler) GetHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Stats())
}

// AppendSpan appends one record to the span log. The record reaches the
// engine through the change feed like any other producer write.
// POST /v1/spans
func (h *Handler) AppendSpan(c echo.Context) error {
	ctx := c.Request().Context()

	var rec Record
	if err := c.Bind(&rec); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if rec.String("action") == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "action is required"})
	}
	if rec.String("id") == "" {
		rec["id"] = uuid.NewString()
	}

	if err := h.log.Append(ctx, rec); err != nil {
		h.logger.ErrorContext(ctx, "failed to append span", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to append span"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": rec.String("id")})
}

// ResyncRequest bounds the resync window. Zero values fall back to the
// configured default window ending now.
type ResyncRequest struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Resync rebuilds the view from a bulk log query.
// POST /v1/resync
func (h *Handler) Resync(c echo.Context) error {
	ctx := c.Request().Context()

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, c.RealIP())
		if err != nil {
			h.logger.WarnContext(ctx, "rate limiter unavailable", "error", err)
		} else if !allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "resync rate limit exceeded"})
		}
	}

	var req ResyncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Until.IsZero() {
		req.Until = time.Now().UTC()
	}
	if req.Since.IsZero() {
		req.Since = req.Until.Add(-h.resyncWindow)
	}
	if req.Since.After(req.Until) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "since must precede until"})
	}

	if err := h.engine.Resync(ctx, req.Since, req.Until); err != nil {
		h.logger.ErrorContext(ctx, "resync failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "resync failed"})
	}
	return c.JSON(http.StatusOK, map[string]uint64{"revision": h.engine.Revision()})
}

// ResetRequest reconfigures engine bounds and filters. The span log is
// unchanged; parent links survive the reset.
type ResetRequest struct {
	MaxSessions int      `json:"max_sessions"`
	MaxLinks    int      `json:"max_links"`
	Actions     []string `json:"actions"`
	Filter      Filter   `json:"filter"`
}

// Reset clears aggregation state and applies a new configuration.
// POST /v1/reset
func (h *Handler) Reset(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	h.engine.Reset(nil, Config{
		MaxSessions: req.MaxSessions,
		MaxLinks:    req.MaxLinks,
		Actions:     req.Actions,
		Filter:      req.Filter,
	})
	return c.JSON(http.StatusOK, map[string]uint64{"revision": h.engine.Revision()})
}

// Watch upgrades to a WebSocket and pushes an update for every published
// revision until the client disconnects.
// GET /v1/watch
func (h *Handler) Watch(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	updates := h.engine.Watch()
	defer h.engine.Unwatch(updates)

	// Read pump: discard client frames, detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(upd); err != nil {
				h.logger.Debug("watch connection closed", "error", err)
				return nil
			}
		}
	}
}
