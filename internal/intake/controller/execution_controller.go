// Package controller exposes the job intake over HTTP and WebSocket.
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	commonmw "execbox/internal/common/http/middleware"
	"execbox/internal/intake"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// IntakeService is the part of the intake the handlers use.
type IntakeService interface {
	Execute(ctx context.Context, msg intake.JobMessage, onAccepted func(intake.JobRecord)) intake.ResultMessage
	Enqueue(ctx context.Context, msg intake.JobMessage) (intake.JobRecord, error)
	Status(ctx context.Context, id string) (intake.JobRecord, error)
	Languages() []intake.LanguageInfo
	Accepting() bool
}

const (
	defaultMaxBodyBytes = 2 << 20
	wsWriteTimeout      = 10 * time.Second
	wsIdleTimeout       = 2 * time.Minute
)

// ExecutionController handles execution requests.
type ExecutionController struct {
	svc          IntakeService
	maxBodyBytes int64
	upgrader     websocket.Upgrader
}

// NewExecutionController creates a new controller. maxBodyBytes <= 0 takes the default.
func NewExecutionController(svc IntakeService, maxBodyBytes int64) *ExecutionController {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &ExecutionController{
		svc:          svc,
		maxBodyBytes: maxBodyBytes,
		// A nil CheckOrigin only admits same-host browser origins.
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// WithOrigins restricts WebSocket upgrades to the listed browser origins.
// Requests without an Origin header are always accepted.
func (h *ExecutionController) WithOrigins(origins []string) *ExecutionController {
	if len(origins) == 0 {
		return h
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || commonmw.OriginAllowed(origin, origins)
	}
	return h
}

// Register mounts the routes. metrics may be nil. guards run before every
// route that accepts a job.
func Register(router *gin.Engine, h *ExecutionController, metrics http.Handler, guards ...gin.HandlerFunc) {
	router.GET("/healthz", h.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	api := router.Group("/api/v1")
	api.GET("/jobs/:id", h.GetStatus)
	api.GET("/languages", h.Languages)

	intakeRoutes := api.Group("", guards...)
	intakeRoutes.POST("/executions", h.Execute)
	intakeRoutes.GET("/executions/ws", h.Stream)
	intakeRoutes.POST("/jobs", h.Submit)
}

// Execute runs a job synchronously. The request context bounds the job.
func (h *ExecutionController) Execute(c *gin.Context) {
	msg, ok := h.bindJob(c)
	if !ok {
		return
	}
	res := h.svc.Execute(c.Request.Context(), msg, nil)
	if res.Outcome == intake.OutcomeRejected {
		response.ErrorWithData(c, res.Rejection.Code, res.Rejection.Reason, res)
		return
	}
	response.Success(c, res)
}

// Submit enqueues a job and returns its id.
func (h *ExecutionController) Submit(c *gin.Context) {
	msg, ok := h.bindJob(c)
	if !ok {
		return
	}
	rec, err := h.svc.Enqueue(c.Request.Context(), msg)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, rec)
}

// GetStatus returns the lifecycle state of one job.
func (h *ExecutionController) GetStatus(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.Error(c, appErr.ValidationError("id", "required"))
		return
	}
	rec, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

// Languages lists the enabled languages.
func (h *ExecutionController) Languages(c *gin.Context) {
	response.Success(c, h.svc.Languages())
}

// Health reports whether the pool accepts work.
func (h *ExecutionController) Health(c *gin.Context) {
	if h.svc.Accepting() {
		c.JSON(http.StatusOK, gin.H{"accepting": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"accepting": false})
}

func (h *ExecutionController) bindJob(c *gin.Context) (intake.JobMessage, bool) {
	var msg intake.JobMessage
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	if err := json.NewDecoder(c.Request.Body).Decode(&msg); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidFormat, "job is not valid JSON"))
		return msg, false
	}
	return msg, true
}

// Stream event types.
const (
	EventAccepted = "accepted"
	EventResult   = "result"
	EventError    = "error"
)

// StreamEvent is one server-to-client WebSocket frame.
type StreamEvent struct {
	Type   string                `json:"type"`
	Job    *intake.JobRecord     `json:"job,omitempty"`
	Result *intake.ResultMessage `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// Stream runs jobs sent over a WebSocket, one at a time. Closing the socket
// cancels the running job.
func (h *ExecutionController) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	ws := &wsSession{conn: conn}
	defer conn.Close()

	// The upgraded connection is hijacked; its lifetime is the socket's.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	conn.SetReadLimit(h.maxBodyBytes)
	jobs := make(chan intake.JobMessage, 1)
	go ws.readLoop(ctx, cancel, jobs)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-jobs:
			res := h.svc.Execute(ctx, msg, func(rec intake.JobRecord) {
				ws.send(StreamEvent{Type: EventAccepted, Job: &rec})
			})
			ws.busy.Store(false)
			if err := ws.send(StreamEvent{Type: EventResult, Result: &res}); err != nil {
				return
			}
		}
	}
}

type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
	busy atomic.Bool
}

func (s *wsSession) readLoop(ctx context.Context, cancel context.CancelFunc, jobs chan<- intake.JobMessage) {
	defer cancel()
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn(ctx, "websocket read failed", zap.Error(err))
			}
			return
		}
		var msg intake.JobMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = s.send(StreamEvent{Type: EventError, Error: "job is not valid JSON"})
			continue
		}
		if !s.busy.CompareAndSwap(false, true) {
			_ = s.send(StreamEvent{Type: EventError, Error: "a job is already running on this connection"})
			continue
		}
		select {
		case jobs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSession) send(ev StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(ev)
}
