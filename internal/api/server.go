// Package api is the HTTP surface of the service.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ytdeliver/internal/config"
	"ytdeliver/internal/delivery"
	"ytdeliver/internal/media"
	"ytdeliver/internal/metrics"
)

const readyMessage = "ytdeliver ready: GET /video or /audio with url, key and optional nocache=true\n"

// Deliverer runs one media request to completion.
type Deliverer interface {
	Deliver(w http.ResponseWriter, r *http.Request, req delivery.Request)
	Stats() delivery.Stats
}

// HealthStatus is the /healthz body.
type HealthStatus struct {
	Status      string `json:"status"`
	Active      int64  `json:"active"`
	Completed   int64  `json:"completed"`
	Fallbacks   int64  `json:"fallbacks"`
	Failed      int64  `json:"failed"`
	Cancelled   int64  `json:"cancelled"`
	Uptime      string `json:"uptime"`
	MemoryUsage string `json:"memory_usage"`
}

// Server routes requests to the delivery orchestrator.
type Server struct {
	cfg      *config.Config
	delivery Deliverer
	metrics  *metrics.Metrics
	log      zerolog.Logger
	limiter  *rate.Limiter
	started  time.Time
}

// NewServer builds a Server. m may be nil, in which case /metrics is not
// served.
func NewServer(cfg *config.Config, d Deliverer, m *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		delivery: d,
		metrics:  m,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		started:  time.Now(),
	}
}

// Handler returns the full middleware chain and routes.
func (s *Server) Handler() http.Handler {
	gated := func(h http.Handler) http.Handler {
		return s.requireKey(rateLimit(s.limiter, h))
	}

	mux := http.NewServeMux()
	mux.Handle("/", gated(http.HandlerFunc(s.handleRoot)))
	mux.Handle("/video", gated(s.handleMedia(media.Video)))
	mux.Handle("/audio", gated(s.handleMedia(media.Audio)))
	// Probes and scrapers carry no key; these two routes stay outside the gate.
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return withCORS(mux)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, readyMessage)
}

func (s *Server) handleMedia(kind media.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		s.delivery.Deliver(w, r, delivery.Request{
			SourceURL: q.Get("url"),
			Kind:      kind,
			Mode:      delivery.ModeFromNoCache(q.Get("nocache")),
			Quality:   q.Get("quality"),
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.delivery.Stats()
	status := "healthy"
	if st.Active > int64(s.cfg.RateLimitBurst) {
		status = "overloaded"
	}
	health := HealthStatus{
		Status:      status,
		Active:      st.Active,
		Completed:   st.Completed,
		Fallbacks:   st.Fallbacks,
		Failed:      st.Failed,
		Cancelled:   st.Cancelled,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		MemoryUsage: memoryUsage(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func memoryUsage() string {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return fmt.Sprintf("%.1f MB", float64(ms.Alloc)/(1<<20))
}
