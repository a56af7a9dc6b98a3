// Package adminapi exposes a read-only HTTP introspection surface over a
// running engine: store counts and schema version (kos.Stats), WAL
// backlog/result lookups, vector-cache stats, and a tail of recently
// emitted lifecycle events. It never mutates engine state — the
// cross-process KV API the teacher repo serves over HTTP is an explicit
// non-goal here (server synchronization), but an operator-facing admin
// surface is ambient observability, carried regardless of that non-goal.
package adminapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rhinos0608/kvengine/internal/events"
	"github.com/rhinos0608/kvengine/internal/kos"
	"github.com/rhinos0608/kvengine/internal/vectorcache"
	"github.com/rhinos0608/kvengine/internal/wal"
)

// eventTailSize bounds how many recent event-bus emissions the server
// keeps in memory for the /events endpoint.
const eventTailSize = 200

// TailEntry is one recorded event-bus emission.
type TailEntry struct {
	Topic     events.Topic `json:"topic"`
	Payload   any          `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// Server wires a gin.Engine over a kos.Engine and its collaborators.
// Dependencies are injected, not imported globally, matching how the
// core treats the tab coordinator and event bus as shared collaborators.
type Server struct {
	engine *kos.Engine
	wal    *wal.WAL       // optional; nil if this deployment has no WAL
	cache  *vectorcache.Cache // optional; nil if this deployment has no vector cache
	bus    *events.Bus

	mu   sync.Mutex
	tail []TailEntry
}

// New constructs a Server. wal and cache may be nil when the embedding
// application doesn't wire those subsystems.
func New(engine *kos.Engine, w *wal.WAL, cache *vectorcache.Cache, bus *events.Bus) *Server {
	s := &Server{engine: engine, wal: w, cache: cache, bus: bus}
	for _, topic := range closedTopics {
		t := topic
		bus.On(t, func(payload any) { s.recordTail(t, payload) })
	}
	return s
}

var closedTopics = []events.Topic{
	events.TopicConnectionBlocked, events.TopicConnectionRetry,
	events.TopicConnectionEstablished, events.TopicConnectionFailed,
	events.TopicFallbackActivated, events.TopicFallbackActive,
	events.TopicFallbackWarning, events.TopicStorageError,
	events.TopicWALReplayComplete, events.TopicWorkerCleanupFailed,
}

func (s *Server) recordTail(topic events.Topic, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = append(s.tail, TailEntry{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()})
	if len(s.tail) > eventTailSize {
		s.tail = s.tail[len(s.tail)-eventTailSize:]
	}
}

// Router builds the gin.Engine, mounting Logger/Recovery middleware the
// same way the teacher's cmd/server does.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(Logger(), Recovery())

	r.GET("/health", s.health)

	admin := r.Group("/admin")
	admin.GET("/stats", s.stats)
	admin.GET("/wal/:entryId", s.walEntry)
	admin.GET("/cache/stats", s.cacheStats)
	admin.GET("/events", s.eventsTail)

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) walEntry(c *gin.Context) {
	if s.wal == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "wal not wired for this deployment"})
		return
	}
	id := c.Param("entryId")
	entry, ok := s.wal.Inspect(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	result, hasResult := s.wal.Result(id)
	resp := gin.H{"entry": entry}
	if hasResult {
		resp["result"] = result
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) cacheStats(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "vector cache not wired for this deployment"})
		return
	}
	c.JSON(http.StatusOK, s.cache.GetStats())
}

func (s *Server) eventsTail(c *gin.Context) {
	s.mu.Lock()
	out := make([]TailEntry, len(s.tail))
	copy(out, s.tail)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"events": out})
}
