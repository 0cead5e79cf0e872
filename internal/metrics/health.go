package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// venueHealth is the per-exchange view kept by HealthStatus.
type venueHealth struct {
	Connected     bool
	Breaker       string
	LastReconcile time.Time
	LastValuation time.Time
}

// HealthStatus represents the system health. The Set* methods are safe on a
// nil *HealthStatus.
type HealthStatus struct {
	mu sync.RWMutex

	venues map[string]*venueHealth

	RedisConnected bool
	RedisEnabled   bool
	SQLOK          map[string]bool
	SQLLatencyMs   map[string]float64
	RedisLatencyMs float64
	LastCheckAt    time.Time
	StartedAt      time.Time

	// A venue whose last reconcile or valuation is older than these is
	// reported stale. Zero disables the check.
	ReconcileMaxAge time.Duration
	ValuationMaxAge time.Duration

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		venues:       make(map[string]*venueHealth),
		SQLOK:        make(map[string]bool),
		SQLLatencyMs: make(map[string]float64),
		StartedAt:    time.Now(),
		now:          time.Now,
	}
}

func (h *HealthStatus) venue(name string) *venueHealth {
	v, ok := h.venues[name]
	if !ok {
		v = &venueHealth{Breaker: "closed"}
		h.venues[name] = v
	}
	return v
}

func (h *HealthStatus) SetVenueConnected(venue string, v bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.venue(venue).Connected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetBreakerState(venue, state string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.venue(venue).Breaker = state
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastReconcile(venue string, t time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.venue(venue).LastReconcile = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastValuation(venue string, t time.Time) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.venue(venue).LastValuation = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQL pings a database/sql handle (sqlite journal, order repository)
// and records latency + health under name.
func (h *HealthStatus) CheckSQL(ctx context.Context, name string, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLOK[name] = err == nil
	h.SQLLatencyMs[name] = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, dbs map[string]*sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				for name, db := range dbs {
					if db != nil {
						h.CheckSQL(probeCtx, name, db)
					}
				}
				cancel()
			}
		}
	}()
}

// VenueReport is the /healthz view of one exchange.
type VenueReport struct {
	Name          string `json:"name"`
	Connected     bool   `json:"connected"`
	Breaker       string `json:"breaker"`
	LastReconcile string `json:"last_reconcile,omitempty"`
	ReconcileAge  string `json:"reconcile_age,omitempty"`
	LastValuation string `json:"last_valuation,omitempty"`
	ValuationAge  string `json:"valuation_age,omitempty"`
	Stale         bool   `json:"stale"`
}

// Report is the /healthz response body.
type Report struct {
	Status         string             `json:"status"`
	Uptime         string             `json:"uptime"`
	Venues         []VenueReport      `json:"venues"`
	RedisConnected bool               `json:"redis_connected"`
	RedisLatencyMs float64            `json:"redis_latency_ms"`
	SQLOK          map[string]bool    `json:"sql_ok"`
	SQLLatencyMs   map[string]float64 `json:"sql_latency_ms"`
	LastCheckAt    string             `json:"last_check_at"`
}

// Report evaluates the current status.
func (h *HealthStatus) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	rep := Report{
		Status:         "healthy",
		Uptime:         now.Sub(h.StartedAt).Round(time.Second).String(),
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		SQLOK:          make(map[string]bool, len(h.SQLOK)),
		SQLLatencyMs:   make(map[string]float64, len(h.SQLLatencyMs)),
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	degraded := false
	down := 0
	for name, v := range h.venues {
		vr := VenueReport{Name: name, Connected: v.Connected, Breaker: v.Breaker}
		if !v.LastReconcile.IsZero() {
			age := now.Sub(v.LastReconcile)
			vr.LastReconcile = v.LastReconcile.Format(time.RFC3339)
			vr.ReconcileAge = age.Round(time.Millisecond).String()
			if h.ReconcileMaxAge > 0 && age > h.ReconcileMaxAge {
				vr.Stale = true
			}
		}
		if !v.LastValuation.IsZero() {
			age := now.Sub(v.LastValuation)
			vr.LastValuation = v.LastValuation.Format(time.RFC3339)
			vr.ValuationAge = age.Round(time.Millisecond).String()
			if h.ValuationMaxAge > 0 && age > h.ValuationMaxAge {
				vr.Stale = true
			}
		}
		if !v.Connected || v.Breaker == "open" {
			down++
		}
		if !v.Connected || vr.Stale || v.Breaker != "closed" {
			degraded = true
		}
		rep.Venues = append(rep.Venues, vr)
	}
	sort.Slice(rep.Venues, func(i, j int) bool { return rep.Venues[i].Name < rep.Venues[j].Name })

	if h.RedisEnabled && !h.RedisConnected {
		degraded = true
	}
	for name, ok := range h.SQLOK {
		rep.SQLOK[name] = ok
		rep.SQLLatencyMs[name] = h.SQLLatencyMs[name]
		if !ok {
			degraded = true
		}
	}

	if degraded {
		rep.Status = "degraded"
	}
	if len(h.venues) > 0 && down == len(h.venues) {
		rep.Status = "unhealthy"
	}
	return rep
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default Prometheus registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
