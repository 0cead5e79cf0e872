package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trading-corev1/internal/backoff"
)

// Quote is the best bid/ask from the bookTicker stream.
type Quote struct {
	Bid      decimal.Decimal
	BidQty   decimal.Decimal
	Ask      decimal.Decimal
	AskQty   decimal.Decimal
	Received time.Time
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// bookTickerMsg is the raw <symbol>@bookTicker payload.
type bookTickerMsg struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	Bid      string `json:"b"`
	BidQty   string `json:"B"`
	Ask      string `json:"a"`
	AskQty   string `json:"A"`
}

// quoteStream keeps the latest quote per symbol from the combined
// bookTicker stream and reconnects with bounded backoff.
type quoteStream struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.RWMutex
	quotes map[string]Quote // by exchange symbol

	// OnReconnect is an optional metrics hook.
	OnReconnect func()
}

func newQuoteStream(wsURL string) *quoteStream {
	return &quoteStream{
		url:    strings.TrimRight(wsURL, "/"),
		dialer: websocket.DefaultDialer,
		quotes: make(map[string]Quote),
	}
}

// get returns the quote for symbol if it is younger than maxAge.
func (s *quoteStream) get(sym string, maxAge time.Duration) (Quote, bool) {
	s.mu.RLock()
	q, ok := s.quotes[sym]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, false
	}
	if maxAge > 0 && time.Since(q.Received) > maxAge {
		return Quote{}, false
	}
	return q, true
}

// run streams until ctx is cancelled. Blocks.
func (s *quoteStream) run(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@bookTicker"
	}
	// the combined-stream endpoint lives next to /ws
	endpoint := strings.TrimSuffix(s.url, "/ws") + "/stream?streams=" + strings.Join(streams, "/")

	bo := backoff.New(time.Second, 30*time.Second)
	for {
		start := time.Now()
		err := s.session(ctx, endpoint)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > time.Minute {
			bo.Reset() // the session was healthy for a while
		}
		d := bo.Next()
		log.Printf("[binance-ws] stream dropped: %v (reconnect in %v)", err, d)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		if !backoff.Sleep(ctx, nil, d) {
			return
		}
	}
}

func (s *quoteStream) session(ctx context.Context, endpoint string) error {
	conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial: %w", err)
	}
	log.Printf("[binance-ws] connected %s", endpoint)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := s.handle(raw); err != nil {
			log.Printf("[binance-ws] parse error: %v", err)
		}
	}
}

// handle accepts both the combined ({"stream":..,"data":..}) and the raw
// payload shape.
func (s *quoteStream) handle(raw []byte) error {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}

	var msg bookTickerMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.Symbol == "" {
		return nil // subscription acks and other control frames
	}
	q := Quote{Received: time.Now()}
	var err error
	if q.Bid, err = decimal.NewFromString(msg.Bid); err != nil {
		return fmt.Errorf("bid %q: %w", msg.Bid, err)
	}
	if q.Ask, err = decimal.NewFromString(msg.Ask); err != nil {
		return fmt.Errorf("ask %q: %w", msg.Ask, err)
	}
	q.BidQty, _ = decimal.NewFromString(msg.BidQty)
	q.AskQty, _ = decimal.NewFromString(msg.AskQty)

	s.mu.Lock()
	s.quotes[msg.Symbol] = q
	s.mu.Unlock()
	return nil
}
