// Package httpapi exposes the launcher and update streams over HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/Swind/go-task-stream/core"
	"github.com/Swind/go-task-stream/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server.
type Options struct {
	// Issuer verifies bearer tokens. Nil disables authentication.
	Issuer *auth.Issuer

	Stream core.StreamOptions
	Logger core.Logger

	// Gatherer backs /metrics. Nil selects the default registry.
	Gatherer prometheus.Gatherer
}

// Server routes training requests to a Launcher.
type Server struct {
	launcher *core.Launcher
	store    *core.ProgressStore
	channel  *core.Channel
	work     core.Work

	issuer     *auth.Issuer
	streamOpts core.StreamOptions
	logger     core.Logger
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
}

// NewServer creates a server submitting work through l.
func NewServer(l *core.Launcher, work core.Work, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = core.NewNoOpLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}
	return &Server{
		launcher:   l,
		store:      l.Channel().Store(),
		channel:    l.Channel(),
		work:       work,
		issuer:     opts.Issuer,
		streamOpts: opts.Stream,
		logger:     opts.Logger,
		gatherer:   opts.Gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1", auth.Middleware(s.issuer))
	api.POST("/trainings", s.submit)
	api.GET("/trainings", s.list)
	api.GET("/trainings/:id", s.status)
	api.GET("/trainings/:id/events", s.eventsSSE)
	api.GET("/trainings/:id/ws", s.eventsWS)
	api.POST("/trainings/:id/cancel", s.cancel)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			core.F("method", c.Request.Method),
			core.F("path", c.FullPath()),
			core.F("status", c.Writer.Status()),
			core.F("duration", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	stats := s.launcher.Stats()
	code, status := http.StatusOK, "ok"
	if stats.Closed {
		code, status = http.StatusServiceUnavailable, "shutting_down"
	}
	c.JSON(code, gin.H{
		"status":  status,
		"pending": stats.Pending,
		"running": stats.Running,
		"workers": stats.Pool.Workers,
	})
}

func (s *Server) submit(c *gin.Context) {
	var req core.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if owner := auth.Owner(c); owner != 0 {
		req.Owner = owner
	}

	h, err := s.launcher.Submit(c.Request.Context(), req, s.work)
	if err != nil {
		c.JSON(submitErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": h.ID()})
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, core.ErrLauncherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) list(c *gin.Context) {
	all := c.Query("all") == "1" || c.Query("all") == "true"
	owner := auth.Owner(c)

	tasks := make([]core.TaskInfo, 0)
	for _, info := range s.launcher.Registry().List(!all) {
		if owner != 0 && info.Owner != owner {
			continue
		}
		tasks = append(tasks, info)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// statusView is the GET /trainings/:id body.
type statusView struct {
	TaskID           string           `json:"task_id"`
	Status           core.TaskStatus  `json:"status"`
	Error            string           `json:"error,omitempty"`
	ModelName        string           `json:"model_name,omitempty"`
	CreatedAt        *time.Time       `json:"created_at,omitempty"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
	UpdateCount      int              `json:"update_count"`
	LastSeq          int64            `json:"last_seq"`
	LastActivityTime float64          `json:"last_activity_time"`
	Result           *core.TaskResult `json:"result,omitempty"`
}

func (s *Server) status(c *gin.Context) {
	rec, ok := s.ownedRecord(c)
	if !ok {
		return
	}
	view := statusView{
		TaskID:           rec.TaskID,
		Status:           rec.Status,
		Error:            rec.Error,
		CreatedAt:        rec.CreatedAt,
		StartedAt:        rec.StartedAt,
		EndedAt:          rec.EndedAt,
		UpdateCount:      len(rec.Updates),
		LastSeq:          rec.LastSeq(),
		LastActivityTime: rec.LastActivityTime,
		Result:           rec.Result,
	}
	if rec.Config != nil {
		view.ModelName = rec.Config.ModelName
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) cancel(c *gin.Context) {
	rec, ok := s.ownedRecord(c)
	if !ok {
		return
	}
	cancelled, err := s.launcher.Cancel(rec.TaskID)
	if errors.Is(err, core.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "training is not running on this server"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": rec.TaskID, "cancelled": cancelled})
}

// ownedRecord loads the record named by :id and checks the caller may see
// it. It writes the error response itself.
func (s *Server) ownedRecord(c *gin.Context) (*core.Record, bool) {
	id := c.Param("id")
	rec, err := s.store.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, core.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "training not found"})
		return nil, false
	case err != nil:
		s.logger.Warn("record lookup failed", core.F("task_id", id), core.F("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress store unavailable"})
		return nil, false
	}
	if owner := auth.Owner(c); owner != 0 && rec.Owner != owner {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return rec, true
}
