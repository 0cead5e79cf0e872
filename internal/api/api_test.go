package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-corev1/internal/execution"
	"trading-corev1/internal/exchange/paper"
	"trading-corev1/internal/model"
	"trading-corev1/internal/portfolio"
	"trading-corev1/internal/risk"
	"trading-corev1/internal/trading"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPaperCoordinator(t *testing.T, name string, node int64, bid, ask string) *execution.Coordinator {
	t.Helper()
	ex, err := paper.New(paper.Config{Name: name, NodeID: node})
	require.NoError(t, err)
	ex.SetBook(model.OrderBook{
		Instrument: "BTC/USDT",
		Bids:       []model.Level{{Price: d(bid), Qty: d("5")}},
		Asks:       []model.Level{{Price: d(ask), Qty: d("5")}},
	})
	return execution.New(ex, portfolio.NewLedger(d("100000")), risk.NewGate(risk.DefaultLimits()), risk.NewCalculator(0),
		execution.Config{ReconcileInterval: 10 * time.Millisecond, ValuationInterval: 10 * time.Millisecond},
		execution.Options{})
}

func newTestServer(t *testing.T, cfg trading.Config) (*httptest.Server, *trading.System, *StreamHub) {
	t.Helper()
	a := newPaperCoordinator(t, "a", 1, "99", "100")
	b := newPaperCoordinator(t, "b", 2, "102", "103")
	sys, err := trading.New([]*execution.Coordinator{a, b}, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sys.Initialize(context.Background()))

	hub := NewStreamHub(16)
	srv := httptest.NewServer(NewRouter(NewServer(sys, hub, []string{"BTC/USDT"})))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return srv, sys, hub
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, trading.Config{})
	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["running"])
	assert.Equal(t, []any{"a", "b"}, body["venues"])
}

func TestPlaceOrderAndPositions(t *testing.T) {
	srv, _, _ := newTestServer(t, trading.Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/orders",
		`{"venue":"b","instrument":"BTC/USDT","side":"buy","type":"market","qty":"0.5"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "FILLED", body["status"])
	assert.Equal(t, "b", body["venue"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/positions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	venueB, ok := body["b"].(map[string]any)
	require.True(t, ok)
	pos, ok := venueB["BTC/USDT"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0.5", pos["qty"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "a")
	assert.Contains(t, body, "b")
}

func TestPlaceOrderValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, trading.Config{})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/orders", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/orders", `{"instrument":"BTC/USDT","side":"hold","qty":"1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/orders", `{"venue":"zz","instrument":"BTC/USDT","side":"buy","qty":"1"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/orders", `{"instrument":"BTC/USDT","side":"buy","type":"limit","qty":"1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit without price")
}

func TestPlaceOrderRiskRejected(t *testing.T) {
	srv, _, _ := newTestServer(t, trading.Config{})
	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/orders",
		`{"instrument":"BTC/USDT","side":"buy","type":"limit","qty":"200","price":"100"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "REJECTED", body["status"])
	assert.NotEmpty(t, body["reject_reason"])
}

func TestCancelOrder(t *testing.T) {
	srv, sys, _ := newTestServer(t, trading.Config{})

	o, err := sys.PlaceOrder(context.Background(), "a", model.OrderRequest{
		Instrument: "BTC/USDT", Side: model.SideBuy, Type: model.OrderTypeLimit, Qty: d("1"), Price: d("90"),
	})
	require.NoError(t, err)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/api/v1/orders/"+o.ID, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "instrument is required")

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/orders/"+o.ID+"?venue=a&instrument=BTC/USDT", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/orders/123?venue=a&instrument=BTC/USDT", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartStopTrading(t *testing.T) {
	srv, sys, _ := newTestServer(t, trading.Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/trading/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []any{"BTC/USDT"}, body["instruments"])
	assert.True(t, sys.Running())

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/trading/start", `{"instruments":["ETH/USDT"]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/trading/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, sys.Running())

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/trading/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSmartOrderWait(t *testing.T) {
	srv, _, _ := newTestServer(t, trading.Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/smart-orders",
		`{"instrument":"BTC/USDT","side":"buy","qty":"1","algorithm":"twap","params":{"intervals":2,"interval_duration":"1ms"},"wait":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["placed"])
	assert.Equal(t, "twap", body["algorithm"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/smart-orders",
		`{"instrument":"BTC/USDT","side":"buy","qty":"1","algorithm":"pov","wait":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSmartOrderAsync(t *testing.T) {
	srv, _, _ := newTestServer(t, trading.Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/smart-orders",
		`{"instrument":"BTC/USDT","side":"sell","qty":"0.2","algorithm":"twap","params":{"intervals":2,"interval_duration":"1ms"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		_, job := do(t, http.MethodGet, srv.URL+"/api/v1/smart-orders/"+id, "")
		return job["state"] == "done"
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/smart-orders/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSmartOrderAsyncCancelledByShutdown(t *testing.T) {
	srv, sys, _ := newTestServer(t, trading.Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/smart-orders",
		`{"instrument":"BTC/USDT","side":"buy","qty":"1","algorithm":"twap","params":{"intervals":10,"interval_duration":"1h"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["id"].(string)

	c, err := sys.Coordinator("a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Ledger().Trades()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx), "shutdown does not wait out the hour-long interval")

	var job map[string]any
	require.Eventually(t, func() bool {
		_, job = do(t, http.MethodGet, srv.URL+"/api/v1/smart-orders/"+id, "")
		return job["state"] == "failed"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, job["error"], "context canceled")
	assert.Len(t, c.Ledger().Trades(), 1)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/orders",
		`{"instrument":"BTC/USDT","side":"buy","type":"market","qty":"0.1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/arbitrage", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPruneJobsKeepsRunningAndNewest(t *testing.T) {
	now := time.Now()
	s := &Server{jobs: map[string]*smartJob{}, jobRetention: time.Hour, maxJobs: 3}
	add := func(id string, finished time.Time) {
		s.jobs[id] = &smartJob{ID: id, Finished: finished}
	}
	add("expired", now.Add(-2*time.Hour))
	add("older", now.Add(-time.Minute))
	add("newer", now.Add(-time.Second))
	add("running", time.Time{})

	s.pruneJobsLocked(now)
	assert.NotContains(t, s.jobs, "expired")
	assert.NotContains(t, s.jobs, "older", "oldest finished job makes room")
	assert.Contains(t, s.jobs, "newer")
	assert.Contains(t, s.jobs, "running")

	add("running2", time.Time{})
	add("running3", time.Time{})
	s.pruneJobsLocked(now)
	assert.Contains(t, s.jobs, "running")
	assert.Contains(t, s.jobs, "running2")
	assert.Contains(t, s.jobs, "running3")
}

func TestArbitrageEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, trading.Config{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/arbitrage", strings.NewReader(`{"instruments":["BTC/USDT"]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var opps []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&opps))
	require.Len(t, opps, 1)
	assert.Equal(t, "a", opps[0]["buy_venue"])
	assert.Equal(t, "b", opps[0]["sell_venue"])
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestStreamBroadcastsFilteredTrades(t *testing.T) {
	srv, _, hub := newTestServer(t, trading.Config{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/stream?venue=b"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(model.TradeEvent{Venue: "a", OrderID: "1", Instrument: "BTC/USDT", Qty: d("1"), Price: d("100")})
	hub.Broadcast(model.TradeEvent{Venue: "b", OrderID: "2", Instrument: "BTC/USDT", Qty: d("1"), Price: d("102")})

	env := readEnvelope(t, conn)
	assert.Equal(t, "trade", env.Type)
	assert.Equal(t, int64(2), env.Seq)
	assert.Equal(t, "2", env.Data.OrderID)
}

func TestStreamReplaysMissedTrades(t *testing.T) {
	srv, _, hub := newTestServer(t, trading.Config{})

	for i := 1; i <= 3; i++ {
		hub.Broadcast(model.TradeEvent{Venue: "a", OrderID: string(rune('0' + i)), Instrument: "BTC/USDT"})
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/api/v1/stream?last_seq=1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, int64(2), readEnvelope(t, conn).Seq)
	assert.Equal(t, int64(3), readEnvelope(t, conn).Seq)
}

func TestReplayBufferWraparound(t *testing.T) {
	rb := NewReplayBuffer(5)
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, "a:BTC/USDT", []byte("msg"))
	}
	assert.Equal(t, 5, rb.Len())

	got := rb.Since(0)
	require.Len(t, got, 5)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(8), got[4].Seq)
	assert.Len(t, rb.Since(6), 2)
	assert.Empty(t, NewReplayBuffer(3).Since(0))
}
