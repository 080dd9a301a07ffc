// Package api serves a read-only HTTP view of the run registry.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/registry"
)

// Reader is the read half of registry.Store.
type Reader interface {
	GetRun(ctx context.Context, uuid string) (*registry.Run, error)
	ListRuns(ctx context.Context) ([]registry.Run, error)
	ListWorkUnits(ctx context.Context, runUUID string) ([]registry.WorkUnit, error)
	ListEvents(ctx context.Context, runUUID string) ([]registry.UserEvent, error)
}

// Server routes registry queries.
type Server struct {
	store  Reader
	logger logger.Logger
	engine *gin.Engine
}

// NewServer creates a server over store.
func NewServer(store Reader, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:  store,
		logger: logger.Component(log, "api"),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	runs := s.engine.Group("/runs")
	runs.GET("", s.listRuns)
	runs.GET("/:uuid", s.getRun)
	runs.GET("/:uuid/work-units", s.listWorkUnits)
	runs.GET("/:uuid/events", s.listEvents)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// with a short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving registry", logger.F("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.store.ListRuns(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []registry.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	run, ok := s.run(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

// listWorkUnits accepts an optional status filter, e.g. ?status=RUNNING.
func (s *Server) listWorkUnits(c *gin.Context) {
	run, ok := s.run(c)
	if !ok {
		return
	}
	units, err := s.store.ListWorkUnits(c.Request.Context(), run.UUID)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := []registry.WorkUnit{}
	want := registry.Status(strings.ToUpper(c.Query("status")))
	for _, u := range units {
		if want == "" || u.Status == want {
			out = append(out, u)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listEvents(c *gin.Context) {
	run, ok := s.run(c)
	if !ok {
		return
	}
	events, err := s.store.ListEvents(c.Request.Context(), run.UUID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if events == nil {
		events = []registry.UserEvent{}
	}
	c.JSON(http.StatusOK, events)
}

// run loads the run named in the path and answers 404 when it is unknown.
func (s *Server) run(c *gin.Context) (*registry.Run, bool) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return run, true
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error("Registry query failed", logger.F("path", c.Request.URL.Path), logger.F("error", err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request",
			logger.F("method", c.Request.Method),
			logger.F("path", c.Request.URL.Path),
			logger.F("status", c.Writer.Status()),
			logger.F("duration", time.Since(start)),
		)
	}
}
