package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxseedlab/monshin/internal/capture"
	"github.com/foxseedlab/monshin/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader    = "X-Request-Id"
	healthCheckTimeout = 3 * time.Second
)

type CaptureService interface {
	StartCapture(ctx context.Context, consultationID string) (session.Status, error)
	StopCapture(ctx context.Context, consultationID string) (session.Summary, error)
	Status() session.Status
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the capture manager to the consultation client.
type Server struct {
	engine   *gin.Engine
	captures CaptureService
	db       Pinger
}

func NewServer(captures CaptureService, db Pinger, metricsHandler http.Handler) *Server {
	s := &Server{
		engine:   gin.New(),
		captures: captures,
		db:       db,
	}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/healthz", s.healthz)
	if metricsHandler != nil {
		s.engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
	v1 := s.engine.Group("/v1")
	{
		v1.GET("/capture", s.captureStatus)
		v1.POST("/consultations/:consultationId/capture", s.startCapture)
		v1.DELETE("/consultations/:consultationId/capture", s.stopCapture)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) startCapture(c *gin.Context) {
	consultationID := c.Param("consultationId")
	status, err := s.captures.StartCapture(c.Request.Context(), consultationID)
	if err == nil {
		c.JSON(http.StatusOK, status)
		return
	}

	var denied *session.PermissionDeniedError
	switch {
	case errors.As(err, &denied):
		body := gin.H{"error": "permission_denied"}
		if denied.Explanation != "" {
			body["explanation"] = denied.Explanation
		}
		c.JSON(http.StatusForbidden, body)
	case errors.Is(err, capture.ErrDeviceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device_unavailable", "detail": err.Error()})
	case errors.Is(err, session.ErrAnotherSessionActive), errors.Is(err, capture.ErrStopping):
		c.JSON(http.StatusConflict, gin.H{"error": "capture_busy", "detail": err.Error()})
	default:
		slog.Error("failed to start capture", "error", err, "consultation_id", consultationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (s *Server) stopCapture(c *gin.Context) {
	consultationID := c.Param("consultationId")
	summary, err := s.captures.StopCapture(c.Request.Context(), consultationID)
	if err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_running"})
			return
		}
		slog.Error("failed to stop capture", "error", err, "consultation_id", consultationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) captureStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.captures.Status())
}

func (s *Server) healthz(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		started := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		slog.Info("http request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(started).String())
	}
}
