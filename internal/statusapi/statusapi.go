// Package statusapi exposes the daemon's HTTP surface: the cluster-state
// snapshot other peers' observers poll, an on-demand check trigger, and a
// liveness probe. Grounded on pglookout.py's WebServer/RequestHandler, with
// routing lifted from the echo usage shown elsewhere in the example pack.
package statusapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/willibrandon/pgward/internal/clusterstate"
)

// Checker is the subset of monitor.Loop the HTTP server depends on.
type Checker interface {
	RequestCheck(ctx context.Context)
}

// Server wraps an echo instance exposing the status endpoints.
type Server struct {
	echo  *echo.Echo
	store *clusterstate.Store
	mon   Checker
}

// New builds a Server backed by store for state reads and mon for
// triggering out-of-cycle checks.
func New(store *clusterstate.Store, mon Checker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, store: store, mon: mon}
	e.GET("/state.json", s.handleState)
	e.POST("/check", s.handleCheck)
	e.GET("/healthz", s.handleHealthz)
	return s
}

// Start serves on addr (host:port form) until the process exits or the
// listener errors; http.ErrServerClosed is not treated as a failure.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.SnapshotCluster())
}

func (s *Server) handleCheck(c echo.Context) error {
	s.mon.RequestCheck(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
