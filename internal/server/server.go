package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"triagebot/internal/domain"
	"triagebot/internal/logger"
	"triagebot/internal/tracker"
	"triagebot/internal/workflow"
)

// Engine is the workflow surface exposed over HTTP.
type Engine interface {
	Process(ctx context.Context, report domain.Report) (workflow.Outcome, error)
	Feedback(ctx context.Context, channelID, messageTS, verdict string) (workflow.Outcome, error)
	RunDaily(ctx context.Context) (workflow.DailySummary, error)
	Health() workflow.Health
}

// Records is the read side of the tracker.
type Records interface {
	Get(ctx context.Context, id string) (domain.IssueRecord, error)
	Counts(ctx context.Context) (map[domain.State]int, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string
	// RequestsPerSecond limits /api traffic. Zero disables the limit.
	RequestsPerSecond float64
}

type Server struct {
	engine  Engine
	records Records
	store   Pinger
	opts    Options
}

func New(engine Engine, records Records, store Pinger, opts Options) *Server {
	return &Server{engine: engine, records: records, store: store, opts: opts}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(logger.GinLogger(), logger.GinRecovery())

	r.GET("/healthz", s.health)

	api := r.Group("/api")
	if s.opts.RequestsPerSecond > 0 {
		api.Use(rateLimit(s.opts.RequestsPerSecond))
	}
	if s.opts.APIToken != "" {
		api.Use(bearerAuth(s.opts.APIToken))
	}
	{
		api.POST("/reports", s.submitReport)
		api.POST("/feedback", s.feedback)
		api.POST("/daily", s.runDaily)
		api.GET("/records/:id", s.getRecord)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http server listening addr=%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Infof("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	components := s.engine.Health()
	status := http.StatusOK
	resp := gin.H{"components": components}

	if s.store != nil {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			components.Store = false
			resp["components"] = components
			resp["store_error"] = err.Error()
		}
	}
	if s.records != nil && components.Store {
		if counts, err := s.records.Counts(c.Request.Context()); err == nil {
			resp["records"] = counts
		}
	}
	if components.OK() {
		resp["status"] = "ok"
	} else {
		resp["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) submitReport(c *gin.Context) {
	var report domain.Report
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.engine.Process(c.Request.Context(), report)
	switch {
	case errors.Is(err, workflow.ErrEmptyReport):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		logger.Errorf("http report error=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, out)
	}
}

type feedbackRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	MessageTS string `json:"message_ts" binding:"required"`
	Verdict   string `json:"verdict" binding:"required"`
}

func (s *Server) feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := s.engine.Feedback(c.Request.Context(), req.ChannelID, req.MessageTS, req.Verdict)
	switch {
	case errors.Is(err, workflow.ErrUnknownVerdict):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, tracker.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case out.NotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "no tracked issue for this message"})
	default:
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) runDaily(c *gin.Context) {
	summary, err := s.engine.RunDaily(c.Request.Context())
	if err != nil {
		logger.Errorf("http daily error=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getRecord(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "records unavailable"})
		return
	}
	rec, err := s.records.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tracker.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func rateLimit(rps float64) gin.HandlerFunc {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests, please try again later"})
			return
		}
		c.Next()
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
