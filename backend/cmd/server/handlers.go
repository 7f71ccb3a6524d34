package main

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trial-scout/backend/internal/adapter"
	"trial-scout/backend/internal/agent"
	"trial-scout/backend/internal/progress"
	"trial-scout/backend/pkg/errors"
)

const heartbeatInterval = 5 * time.Second

// server bundles the HTTP handlers over the turn orchestrator.
type server struct {
	orch     *agent.Orchestrator
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func newServer(orch *agent.Orchestrator, log *zap.Logger) *server {
	return &server{
		orch:   orch,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *server) router(production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginLogger(s.logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.POST("/turns", s.handleCreateTurn)
		api.GET("/turns/:id", s.handleSnapshot)
		api.GET("/turns/:id/result", s.handleResult)
		api.GET("/turns/:id/events", s.handleEvents)
		api.GET("/turns/:id/ws", s.handleWebsocket)
		api.DELETE("/turns/:id", s.handleCancel)
	}
	return router
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"active_turns": s.orch.ActiveTurns(),
	})
}

type chatMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

type turnRequest struct {
	Message string        `json:"message" binding:"required"`
	History []chatMessage `json:"history"`
}

// handleCreateTurn accepts a new user message plus any prior history and
// starts a turn over the combined conversation. The turn runs
// asynchronously; the response only hands back the id to poll or stream.
func (s *server) handleCreateTurn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversation := make([]adapter.Message, 0, len(req.History)+1)
	for _, msg := range req.History {
		conversation = append(conversation, adapter.Message{Role: msg.Role, Content: msg.Content})
	}
	conversation = append(conversation, adapter.Message{Role: adapter.RoleUser, Content: req.Message})

	id, err := s.orch.StartTurn(conversation)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"turn_id": id, "state": "pending"})
}

func (s *server) handleSnapshot(c *gin.Context) {
	snap, err := s.orch.Snapshot(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleResult blocks until the turn finishes or the client goes away.
// A turn that ended in failure renders 502 with the failure reason.
func (s *server) handleResult(c *gin.Context) {
	id := c.Param("id")
	answer, err := s.orch.Result(c.Request.Context(), id)
	if err != nil {
		var notFound *errors.ErrTurnNotFound
		if stderrors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err == context.Canceled || err == context.DeadlineExceeded {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "gave up waiting for the turn"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"turn_id": id, "state": "failed", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turn_id": id, "state": "completed", "answer": answer})
}

// handleEvents streams turn progress as server-sent events. The live
// stream starts at subscription time, so the first frame restates where
// the turn currently stands; between events a heartbeat reports how long
// the current stage has been running.
func (s *server) handleEvents(c *gin.Context) {
	id := c.Param("id")
	events, err := s.orch.Subscribe(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	// Snapshot after subscribing: a turn finishing in between still shows
	// up terminal here, so the stream never waits on events that already
	// happened.
	snap, err := s.orch.Snapshot(id)
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	last := snapshotEvent(snap)
	c.SSEvent("progress", last)
	c.Writer.Flush()
	if last.Terminal {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			last = ev
			c.SSEvent("progress", ev)
			return !ev.Terminal
		case <-ticker.C:
			c.SSEvent("status", gin.H{
				"turn_id": id,
				"status":  progress.ElapsedStatus(last, time.Now()),
			})
			return true
		}
	})
}

// handleWebsocket mirrors the SSE stream over a websocket for clients
// that keep one connection per turn.
func (s *server) handleWebsocket(c *gin.Context) {
	id := c.Param("id")
	snap, err := s.orch.Snapshot(id)
	if err != nil {
		s.renderError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("turn_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := s.orch.Subscribe(ctx, id)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	// Re-snapshot after subscribing so a turn that finished in between
	// is reported terminal instead of waited on.
	if fresh, err := s.orch.Snapshot(id); err == nil {
		snap = fresh
	}

	// The read pump only notices the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	last := snapshotEvent(snap)
	if err := conn.WriteJSON(last); err != nil {
		return
	}
	if last.Terminal {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			last = ev
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Terminal {
				return
			}
		case <-ticker.C:
			beat := gin.H{"turn_id": id, "status": progress.ElapsedStatus(last, time.Now())}
			if err := conn.WriteJSON(beat); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Cancel(id); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"turn_id": id, "status": "canceling"})
}

// snapshotEvent builds the catch-up frame for a fresh subscriber. Seq 0
// marks it as synthetic; live events number from 1.
func snapshotEvent(snap agent.Snapshot) progress.Event {
	return progress.Event{
		TurnID:   snap.ID,
		State:    snap.State,
		Status:   progress.StatusFor(snap.State),
		Terminal: snap.State == "completed" || snap.State == "failed",
		Err:      snap.Error,
		At:       time.Now(),
	}
}

func (s *server) renderError(c *gin.Context, err error) {
	var notFound *errors.ErrTurnNotFound
	switch {
	case stderrors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.IsErrorType(err, errors.ErrorTypeValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
