// Package api exposes the trading system over HTTP: a thin JSON layer on top
// of trading.System plus a WebSocket trade stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-corev1/internal/arbitrage"
	"trading-corev1/internal/exchange"
	"trading-corev1/internal/execution"
	"trading-corev1/internal/model"
	"trading-corev1/internal/strategy"
	"trading-corev1/internal/trading"
)

// Server holds the handler dependencies.
type Server struct {
	sys         *trading.System
	stream      *StreamHub
	instruments []string // used by trading/start when the body names none

	mu   sync.RWMutex
	jobs map[string]*smartJob
	// Finished jobs are kept for jobRetention, and at most maxJobs jobs are
	// kept in all; running jobs are never evicted.
	jobRetention time.Duration
	maxJobs      int
}

type smartJob struct {
	ID       string           `json:"id"`
	State    string           `json:"state"` // running, done, failed
	Report   *strategy.Report `json:"report,omitempty"`
	Error    string           `json:"error,omitempty"`
	Accepted time.Time        `json:"accepted"`
	Finished time.Time        `json:"finished,omitempty"`
}

// NewServer returns a server for sys. stream may be nil.
func NewServer(sys *trading.System, stream *StreamHub, instruments []string) *Server {
	return &Server{
		sys:         sys,
		stream:      stream,
		instruments:  instruments,
		jobs:         make(map[string]*smartJob),
		jobRetention: time.Hour,
		maxJobs:      1024,
	}
}

// NewRouter sets up the /api/v1 routes.
func NewRouter(s *Server) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)
	mux.HandleFunc("GET /api/v1/positions", s.positions)
	mux.HandleFunc("GET /api/v1/metrics", s.metrics)
	mux.HandleFunc("POST /api/v1/orders", s.placeOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.cancelOrder)
	mux.HandleFunc("POST /api/v1/trading/start", s.startTrading)
	mux.HandleFunc("POST /api/v1/trading/stop", s.stopTrading)
	mux.HandleFunc("POST /api/v1/smart-orders", s.smartOrder)
	mux.HandleFunc("GET /api/v1/smart-orders/{id}", s.smartOrderStatus)
	mux.HandleFunc("POST /api/v1/arbitrage", s.arbitrage)
	if s.stream != nil {
		mux.Handle("GET /api/v1/stream", s.stream)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trading.ErrUnknownVenue), errors.Is(err, exchange.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrInvalidOrder), errors.Is(err, strategy.ErrInvalidParams),
		errors.Is(err, strategy.ErrUnknownAlgorithm):
		return http.StatusBadRequest
	case errors.Is(err, trading.ErrAlreadyRunning), errors.Is(err, trading.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, trading.ErrClosed), errors.Is(err, execution.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.sys.Running(),
		"venues":  s.sys.Venues(),
	})
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.PositionSummary())
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sys.Metrics())
}

type orderBody struct {
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Type       string          `json:"type"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var body orderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	side, ok := model.ParseSide(body.Side)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	typ := model.OrderTypeMarket
	if body.Type != "" {
		if typ, ok = model.ParseOrderType(body.Type); !ok {
			writeError(w, http.StatusBadRequest, "type must be market or limit")
			return
		}
	}

	o, err := s.sys.PlaceOrder(r.Context(), body.Venue, model.OrderRequest{
		Instrument: body.Instrument,
		Side:       side,
		Type:       typ,
		Qty:        body.Qty,
		Price:      body.Price,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if o.Rejected() {
		writeJSON(w, http.StatusUnprocessableEntity, o)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	instrument := q.Get("instrument")
	if instrument == "" {
		writeError(w, http.StatusBadRequest, "instrument query parameter is required")
		return
	}
	if err := s.sys.CancelOrder(r.Context(), q.Get("venue"), id, instrument); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instrumentsBody struct {
	Instruments []string `json:"instruments"`
}

// decodeOptional decodes an optional JSON body; an empty body is fine.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) startTrading(w http.ResponseWriter, r *http.Request) {
	var body instrumentsBody
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	instruments := body.Instruments
	if len(instruments) == 0 {
		instruments = s.instruments
	}
	if err := s.sys.StartTrading(r.Context(), instruments); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "instruments": instruments})
}

func (s *Server) stopTrading(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.sys.StopTrading(ctx); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type smartOrderBody struct {
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Algorithm  string          `json:"algorithm"`
	Params     map[string]any  `json:"params"`
	// Wait runs the order within the request and returns the report.
	Wait bool `json:"wait"`
}

func (s *Server) smartOrder(w http.ResponseWriter, r *http.Request) {
	var body smartOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	side, ok := model.ParseSide(body.Side)
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	if _, err := strategy.ParseParams(body.Params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := func(ctx context.Context) (strategy.Report, error) {
		return s.sys.ExecuteSmartOrder(ctx, body.Venue, body.Instrument, side, body.Qty, body.Algorithm, body.Params)
	}

	if body.Wait {
		rep, err := run(r.Context())
		if err != nil && rep.TraceID == "" {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rep)
		return
	}

	now := time.Now()
	job := &smartJob{ID: uuid.NewString(), State: "running", Accepted: now}
	s.mu.Lock()
	s.pruneJobsLocked(now)
	s.jobs[job.ID] = job
	s.mu.Unlock()

	// The run outlives the request; System.Shutdown cancels and waits for it.
	go func() {
		rep, err := run(context.WithoutCancel(r.Context()))
		s.mu.Lock()
		defer s.mu.Unlock()
		job.Report = &rep
		job.Finished = time.Now()
		job.State = "done"
		if err != nil {
			job.State = "failed"
			job.Error = err.Error()
			log.Printf("[api] smart order %s failed: %v", job.ID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "state": "running"})
}

// pruneJobsLocked drops finished jobs past retention, then the oldest
// finished ones while the table is at capacity. Caller holds s.mu.
func (s *Server) pruneJobsLocked(now time.Time) {
	var finished []*smartJob
	for id, job := range s.jobs {
		if job.Finished.IsZero() {
			continue
		}
		if now.Sub(job.Finished) > s.jobRetention {
			delete(s.jobs, id)
			continue
		}
		finished = append(finished, job)
	}
	if len(s.jobs) < s.maxJobs {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Finished.Before(finished[j].Finished) })
	for _, job := range finished {
		if len(s.jobs) < s.maxJobs {
			return
		}
		delete(s.jobs, job.ID)
	}
}

func (s *Server) smartOrderStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown smart order")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) arbitrage(w http.ResponseWriter, r *http.Request) {
	var body instrumentsBody
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opps, err := s.sys.ExecuteArbitrage(r.Context(), body.Instruments)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if opps == nil {
		opps = []arbitrage.Opportunity{}
	}
	writeJSON(w, http.StatusOK, opps)
}
