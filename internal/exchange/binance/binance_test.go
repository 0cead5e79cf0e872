package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-corev1/internal/exchange"
	"trading-corev1/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeREST is a minimal stand-in for the spot REST API.
type fakeREST struct {
	failDepth atomic.Bool
	lastQuery atomic.Value
}

func (f *fakeREST) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v3/depth", func(w http.ResponseWriter, r *http.Request) {
		if f.failDepth.Load() {
			http.Error(w, `{"code":-1003,"msg":"too many requests"}`, http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"lastUpdateId":1,"bids":[["99.5","2"],["99","1"]],"asks":[["100.5","3"]]}`))
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.NoError(t, r.ParseForm())
		}
		q := r.URL.Query()
		if r.Method == http.MethodPost {
			q = r.PostForm
		}
		f.lastQuery.Store(q.Encode())
		assert.NotEmpty(t, q.Get("signature"))
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))

		switch {
		case r.Method == http.MethodPost:
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"price":"0","origQty":"2","executedQty":"2",
				"cummulativeQuoteQty":"201","status":"FILLED","type":"MARKET","side":"BUY","transactTime":1700000000000}`))
		case q.Get("orderId") == "404":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		case r.Method == http.MethodDelete && q.Get("orderId") == "43":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
		case r.Method == http.MethodDelete:
			w.Write([]byte(`{}`))
		default:
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":7,"price":"100","origQty":"1","executedQty":"0.5",
				"cummulativeQuoteQty":"50","status":"PARTIALLY_FILLED","type":"LIMIT","side":"SELL","time":1700000000000,"updateTime":1700000001000}`))
		}
	})
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[{"asset":"USDT","free":"1500.5"},{"asset":"BTC","free":"0.00000000"}]}`))
	})
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		w.Write([]byte(`[[1700000000000,"100","110","95","105","12.5",1700003599999],[1700003600000,"105","106","104","bad","1"]]`))
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"ETHUSDT","price":"2000.1"}]`))
	})
	return mux
}

func newTestExchange(t *testing.T) (*Exchange, *fakeREST) {
	t.Helper()
	f := &fakeREST{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	ex := New(Config{APIKey: "key", APISecret: "secret", RESTURL: srv.URL, WSURL: "ws://127.0.0.1:1/ws"})
	require.NoError(t, ex.Initialize(context.Background()))
	t.Cleanup(func() { ex.Close() })
	return ex, f
}

func TestBinance_OrderBookAndCacheFallback(t *testing.T) {
	ex, f := newTestExchange(t)
	ctx := context.Background()

	book, err := ex.OrderBook(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	assert.True(t, d("99.5").Equal(book.Bids[0].Price))
	assert.True(t, d("3").Equal(book.Asks[0].Qty))

	f.failDepth.Store(true)
	cached, err := ex.OrderBook(ctx, "BTC/USDT", 10)
	require.NoError(t, err, "cached book is served on failure")
	assert.Equal(t, book.TS, cached.TS)

	_, err = ex.OrderBook(ctx, "ETH/USDT", 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -1003, apiErr.Code)
}

func TestBinance_CreateAndFetchOrder(t *testing.T) {
	ex, f := newTestExchange(t)
	ctx := context.Background()

	o, err := ex.CreateOrder(ctx, model.OrderRequest{Instrument: "BTC/USDT", Side: model.SideBuy, Type: model.OrderTypeMarket, Qty: d("2")})
	require.NoError(t, err)
	assert.Equal(t, "42", o.ID)
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.True(t, d("100.5").Equal(o.AvgPrice), "got %s", o.AvgPrice)
	assert.Contains(t, f.lastQuery.Load().(string), "quantity=2")
	assert.NotContains(t, f.lastQuery.Load().(string), "timeInForce")

	got, err := ex.FetchOrder(ctx, "7", "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartiallyFilled, got.Status)
	assert.Equal(t, model.SideSell, got.Side)
	assert.True(t, d("100").Equal(got.AvgPrice))
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	_, err = ex.FetchOrder(ctx, "404", "BTC/USDT")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestBinance_Cancel(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx := context.Background()
	assert.NoError(t, ex.CancelOrder(ctx, "7", "BTC/USDT"))
	assert.ErrorIs(t, ex.CancelOrder(ctx, "43", "BTC/USDT"), exchange.ErrOrderNotFound)
}

func TestBinance_BalanceAndKlines(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx := context.Background()

	bal, err := ex.Balance(ctx)
	require.NoError(t, err)
	assert.Len(t, bal, 1)
	assert.True(t, d("1500.5").Equal(bal["USDT"]))

	cs, err := ex.OHLCV(ctx, "BTC/USDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, cs, 1, "malformed row is skipped")
	assert.True(t, d("105").Equal(cs[0].Close))
	assert.True(t, d("12.5").Equal(cs[0].Volume))
	assert.Equal(t, int64(1700000000000), cs[0].TS.UnixMilli())
}

func TestBinance_TickersPreferStream(t *testing.T) {
	ex, _ := newTestExchange(t)
	require.NoError(t, ex.stream.handle([]byte(`{"stream":"btcusdt@bookTicker","data":{"u":1,"s":"BTCUSDT","b":"99","B":"1","a":"101","A":"2"}}`)))

	tk, err := ex.FetchTickers(context.Background(), []string{"BTC/USDT", "ETH/USDT", "XRP/USDT"})
	require.NoError(t, err)
	assert.True(t, d("100").Equal(tk["BTC/USDT"]))
	assert.True(t, d("2000.1").Equal(tk["ETH/USDT"]))
	_, ok := tk["XRP/USDT"]
	assert.False(t, ok)
}

func TestQuoteStream_ReceivesBookTicker(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		assert.Equal(t, "btcusdt@bookTicker", r.URL.Query().Get("streams"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg, _ := json.Marshal(map[string]any{
			"stream": "btcusdt@bookTicker",
			"data":   map[string]any{"u": 9, "s": "BTCUSDT", "b": "10", "B": "1", "a": "12", "A": "1"},
		})
		conn.WriteMessage(websocket.TextMessage, msg)
		// hold the connection until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	s := newQuoteStream("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.run(ctx, []string{"BTCUSDT"})
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := s.get("BTCUSDT", time.Minute)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	q, _ := s.get("BTCUSDT", time.Minute)
	assert.True(t, d("11").Equal(q.Mid()))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", symbol("btc/usdt"))
	assert.Equal(t, "ETHBTC", symbol("ETH-BTC"))
}
