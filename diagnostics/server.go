// Package diagnostics exposes a read-only HTTP introspection surface over a
// pool.Pool's counters: idle-close reasons and pool/group counts are a
// stable diagnostic surface, and this package is that surface for the whole
// pool. It never mutates Pool state.
package diagnostics

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/go-fit/netpool/pool"
)

// Server is a tiny gin HTTP server exposing a Pool's Snapshot.
type Server struct {
	engine *gin.Engine
	pool   *pool.Pool
	runner pool.TaskRunner
}

// NewServer builds a Server over p. Reads are dispatched through runner so
// they observe a consistent snapshot (every Pool method, including
// Snapshot, must run on the Pool's TaskRunner).
func NewServer(p *pool.Pool, runner pool.TaskRunner) *Server {
	s := &Server{engine: gin.New(), pool: p, runner: runner}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/debug/pool", s.handlePool)
	// A GroupId's string form contains slashes ("https://host:443"), so the
	// id must be a wildcard segment rather than a single-segment param.
	s.engine.GET("/debug/pool/groups/*id", s.handleGroup)
	return s
}

// Engine exposes the underlying *gin.Engine, e.g. for tests using
// httptest.NewServer(s.Engine()).
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) handlePool(c *gin.Context) {
	result := make(chan pool.Stats, 1)
	s.runner.Post(func() {
		result <- s.pool.Snapshot()
	})
	c.JSON(http.StatusOK, <-result)
}

func (s *Server) handleGroup(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	type reply struct {
		Found bool            `json:"found"`
		Stats pool.GroupStats `json:"stats,omitempty"`
	}
	result := make(chan reply, 1)
	s.runner.Post(func() {
		for _, gs := range s.pool.Snapshot().Groups {
			if gs.Group.String() == id {
				result <- reply{Found: true, Stats: gs}
				return
			}
		}
		result <- reply{Found: false}
	})
	r := <-result
	if !r.Found {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}
	c.JSON(http.StatusOK, r.Stats)
}
