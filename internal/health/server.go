// Package health implements the process's small HTTP admin surface:
// liveness/readiness JSON endpoints and a Prometheus scrape endpoint,
// mounted on a chi router the way the ancestor's internal/api.Server did
// for its (much larger) CRUD surface.
package health

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/flowpbx/voicebridge/internal/health/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PBXStatusProvider reports whether the PBX-CTL client currently holds a
// live connection, for the pbxConnected field of the health body.
type PBXStatusProvider interface {
	Connected() bool
}

// Server holds the chi router for the admin/health surface.
type Server struct {
	router    *chi.Mux
	startedAt time.Time
	pbx       PBXStatusProvider
}

// NewServer creates the HTTP handler with the health/ready/metrics routes
// mounted. pbx is wired in main; /metrics serves the default Prometheus
// registry, where main registers the metrics.Collector.
func NewServer(pbx PBXStatusProvider, startedAt time.Time) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		startedAt: startedAt,
		pbx:       pbx,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
}

type healthBody struct {
	Status       string `json:"status"`
	UptimeS      int64  `json:"uptime_s"`
	RSSMb        int64  `json:"rss_mb"`
	HeapUsedMb   int64  `json:"heapUsed_mb"`
	PBXConnected bool   `json:"pbxConnected"`
	PID          int    `json:"pid"`
	Started      string `json:"started"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	connected := false
	if s.pbx != nil {
		connected = s.pbx.Connected()
	}

	writeJSON(w, http.StatusOK, healthBody{
		Status:       "ok",
		UptimeS:      int64(time.Since(s.startedAt).Seconds()),
		RSSMb:        int64(mem.Sys / (1024 * 1024)),
		HeapUsedMb:   int64(mem.HeapAlloc / (1024 * 1024)),
		PBXConnected: connected,
		PID:          os.Getpid(),
		Started:      s.startedAt.UTC().Format(time.RFC3339),
	})
}
