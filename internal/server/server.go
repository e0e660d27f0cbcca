// Package server exposes the status and control HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/craftd"
	"github.com/loykin/craftd/internal/control"
	"github.com/loykin/craftd/internal/metrics"
)

// Server serves the API for one managed server.
type Server struct {
	mgr     *craftd.Manager
	log     *slog.Logger
	httpSrv *http.Server
}

func New(mgr *craftd.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{mgr: mgr, log: log}
}

// Router builds the gin engine. Exposed separately for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", s.handleStatus)
	r.GET("/health", s.handleHealth)
	r.GET("/events", s.handleEvents)
	r.GET("/console", s.handleConsole)
	r.POST("/command", s.handleCommand)
	r.POST("/restart", s.handleRestart)
	r.POST("/stop", s.handleStop)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()
	s.log.Info("status api listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Status())
}

// handleHealth answers 200 only when the server is up and not rated
// critical, so load balancers and alerting can probe it directly.
func (s *Server) handleHealth(c *gin.Context) {
	h := s.mgr.Health()
	code := http.StatusOK
	if !s.mgr.IsRunning() || h.Rating == "critical" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := s.mgr.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleConsole(c *gin.Context) {
	lines, _ := strconv.Atoi(c.DefaultQuery("lines", "50"))
	tail, err := s.mgr.ConsoleTail(lines)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": tail})
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.mgr.SendCommand(req.Command)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"sent": req.Command})
	case errors.Is(err, control.ErrEmptyCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, control.ErrNotRunning), errors.Is(err, control.ErrAdoptedNoInput):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case control.IsBrokenPipe(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type forceRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleRestart(c *gin.Context) {
	var req forceRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.mgr.Restart(req.Force); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.mgr.Status().Server)
}

func (s *Server) handleStop(c *gin.Context) {
	var req forceRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.mgr.Stop(req.Force); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}
