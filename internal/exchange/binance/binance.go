package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-corev1/internal/exchange"
	"trading-corev1/internal/model"
)

// Config configures the adapter.
type Config struct {
	Name      string // venue name used in logs and metrics; default "binance"
	APIKey    string
	APISecret string
	Testnet   bool
	RESTURL   string // overrides the default/testnet REST root
	WSURL     string // overrides the default/testnet stream root
	Timeout   time.Duration
	Debug     bool

	// Instruments to subscribe on the bookTicker stream. Empty disables it.
	StreamInstruments []string
	// QuoteMaxAge bounds how stale a streamed quote may be before
	// FetchTickers falls back to REST. Default 5s.
	QuoteMaxAge time.Duration
	// BookCacheMaxAge bounds the order-book fallback served when a depth
	// fetch fails. Default 30s.
	BookCacheMaxAge time.Duration
}

// Exchange is the Binance spot adapter.
type Exchange struct {
	name   string
	cfg    Config
	rest   *client
	stream *quoteStream
	books  *exchange.BookCache

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ exchange.Exchange = (*Exchange)(nil)

// New creates the adapter. Nothing is dialed until Initialize.
func New(cfg Config) *Exchange {
	if cfg.Name == "" {
		cfg.Name = "binance"
	}
	if cfg.QuoteMaxAge == 0 {
		cfg.QuoteMaxAge = 5 * time.Second
	}
	if cfg.BookCacheMaxAge == 0 {
		cfg.BookCacheMaxAge = 30 * time.Second
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = defaultWSURL
		if cfg.Testnet {
			wsURL = testnetWSURL
		}
	}
	return &Exchange{
		name:   cfg.Name,
		cfg:    cfg,
		rest:   newClient(cfg),
		stream: newQuoteStream(wsURL),
		books:  exchange.NewBookCache(cfg.BookCacheMaxAge),
	}
}

func (b *Exchange) Name() string { return b.name }

// OnReconnect installs a hook called whenever the quote stream reconnects.
func (b *Exchange) OnReconnect(fn func()) { b.stream.OnReconnect = fn }

// Initialize checks connectivity and starts the quote stream.
func (b *Exchange) Initialize(ctx context.Context) error {
	if err := b.rest.do(ctx, http.MethodGet, "api.ping", nil, false, nil); err != nil {
		return fmt.Errorf("binance: initialize: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true

	if len(b.cfg.StreamInstruments) > 0 {
		streamCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		symbols := make([]string, len(b.cfg.StreamInstruments))
		for i, inst := range b.cfg.StreamInstruments {
			symbols[i] = symbol(inst)
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.stream.run(streamCtx, symbols)
		}()
	}
	log.Printf("[binance] %s initialized (rest=%s streams=%d)", b.name, b.rest.rootURL, len(b.cfg.StreamInstruments))
	return nil
}

// Close stops the stream and waits for it to exit.
func (b *Exchange) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.connected = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	log.Printf("[binance] %s closed", b.name)
	return nil
}

type depthResp struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// OrderBook fetches depth. On failure a recent cached book is served instead.
func (b *Exchange) OrderBook(ctx context.Context, instrument string, depth int) (model.OrderBook, error) {
	q := url.Values{}
	q.Set("symbol", symbol(instrument))
	if depth > 0 {
		q.Set("limit", strconv.Itoa(depth))
	}

	var resp depthResp
	if err := b.rest.do(ctx, http.MethodGet, "api.depth", q, false, &resp); err != nil {
		if cached, ok := b.books.Get(instrument); ok {
			log.Printf("[binance] depth %s failed, serving cached book from %s: %v",
				instrument, cached.TS.Format(time.RFC3339), err)
			return cached, nil
		}
		return model.OrderBook{}, fmt.Errorf("binance: order book %s: %w", instrument, err)
	}

	book := model.OrderBook{Instrument: instrument, TS: time.Now()}
	var err error
	if book.Bids, err = parseLevels(resp.Bids); err != nil {
		return model.OrderBook{}, fmt.Errorf("binance: bids %s: %w", instrument, err)
	}
	if book.Asks, err = parseLevels(resp.Asks); err != nil {
		return model.OrderBook{}, fmt.Errorf("binance: asks %s: %w", instrument, err)
	}
	b.books.Put(book)
	return book, nil
}

func parseLevels(raw [][2]string) ([]model.Level, error) {
	out := make([]model.Level, 0, len(raw))
	for _, r := range raw {
		px, err := decimal.NewFromString(r[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, model.Level{Price: px, Qty: qty})
	}
	return out, nil
}

type orderResp struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

var statusMap = map[string]model.OrderStatus{
	"NEW":              model.StatusOpen,
	"PENDING_NEW":      model.StatusOpen,
	"PARTIALLY_FILLED": model.StatusPartiallyFilled,
	"FILLED":           model.StatusFilled,
	"CANCELED":         model.StatusCancelled,
	"PENDING_CANCEL":   model.StatusOpen,
	"REJECTED":         model.StatusRejected,
	"EXPIRED":          model.StatusExpired,
	"EXPIRED_IN_MATCH": model.StatusExpired,
}

func (b *Exchange) toOrder(instrument string, r orderResp) model.Order {
	o := model.Order{
		ID:         strconv.FormatInt(r.OrderID, 10),
		Venue:      b.name,
		Instrument: instrument,
		Side:       model.Side(strings.ToUpper(r.Side)),
		Type:       model.OrderType(strings.ToUpper(r.Type)),
		Status:     statusMap[r.Status],
	}
	if o.Status == "" {
		o.Status = model.StatusOpen
	}
	o.Qty, _ = decimal.NewFromString(r.OrigQty)
	o.Price, _ = decimal.NewFromString(r.Price)
	o.FilledQty, _ = decimal.NewFromString(r.ExecutedQty)
	if quote, err := decimal.NewFromString(r.CummulativeQuoteQty); err == nil && o.FilledQty.IsPositive() {
		o.AvgPrice = quote.Div(o.FilledQty)
	}
	created := r.TransactTime
	if created == 0 {
		created = r.Time
	}
	if created > 0 {
		o.CreatedAt = time.UnixMilli(created).UTC()
	}
	if r.UpdateTime > 0 {
		o.UpdatedAt = time.UnixMilli(r.UpdateTime).UTC()
	} else {
		o.UpdatedAt = o.CreatedAt
	}
	return o
}

func (b *Exchange) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	q := url.Values{}
	q.Set("symbol", symbol(req.Instrument))
	q.Set("side", string(req.Side))
	q.Set("type", string(req.Type))
	q.Set("quantity", req.Qty.String())
	q.Set("newOrderRespType", "FULL")
	if req.Type == model.OrderTypeLimit {
		q.Set("price", req.Price.String())
		q.Set("timeInForce", "GTC")
	}

	var resp orderResp
	if err := b.rest.do(ctx, http.MethodPost, "api.order", q, true, &resp); err != nil {
		return model.Order{}, fmt.Errorf("binance: create order: %w", err)
	}
	log.Printf("[binance] created %s %s %s qty=%s price=%s id=%d",
		req.Type, req.Side, req.Instrument, req.Qty, req.Price, resp.OrderID)
	return b.toOrder(req.Instrument, resp), nil
}

func (b *Exchange) CancelOrder(ctx context.Context, id, instrument string) error {
	q := url.Values{}
	q.Set("symbol", symbol(instrument))
	q.Set("orderId", id)
	if err := b.rest.do(ctx, http.MethodDelete, "api.order", q, true, nil); err != nil {
		if isUnknownOrder(err) {
			return fmt.Errorf("binance: cancel %s: %w", id, exchange.ErrOrderNotFound)
		}
		return fmt.Errorf("binance: cancel %s: %w", id, err)
	}
	return nil
}

func (b *Exchange) FetchOrder(ctx context.Context, id, instrument string) (model.Order, error) {
	q := url.Values{}
	q.Set("symbol", symbol(instrument))
	q.Set("orderId", id)
	var resp orderResp
	if err := b.rest.do(ctx, http.MethodGet, "api.order", q, true, &resp); err != nil {
		if isUnknownOrder(err) {
			return model.Order{}, fmt.Errorf("binance: fetch %s: %w", id, exchange.ErrOrderNotFound)
		}
		return model.Order{}, fmt.Errorf("binance: fetch %s: %w", id, err)
	}
	return b.toOrder(instrument, resp), nil
}

func (b *Exchange) Balance(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := b.rest.do(ctx, http.MethodGet, "api.account", nil, true, &resp); err != nil {
		return nil, fmt.Errorf("binance: balance: %w", err)
	}
	out := make(map[string]decimal.Decimal)
	for _, bal := range resp.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil || !free.IsPositive() {
			continue
		}
		out[bal.Asset] = free
	}
	return out, nil
}

func (b *Exchange) OHLCV(ctx context.Context, instrument, timeframe string, limit int) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol(instrument))
	q.Set("interval", timeframe)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]json.RawMessage
	if err := b.rest.do(ctx, http.MethodGet, "api.klines", q, false, &rows); err != nil {
		return nil, fmt.Errorf("binance: klines %s: %w", instrument, err)
	}

	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKline(instrument, row)
		if err != nil {
			log.Printf("[binance] skipping kline for %s: %v", instrument, err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// parseKline reads [openTime, open, high, low, close, volume, ...].
func parseKline(instrument string, row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("short kline row (%d fields)", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return model.Candle{
		Instrument: instrument,
		TS:         time.UnixMilli(openTime).UTC(),
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
	}, nil
}

// FetchTickers serves fresh streamed mids and fetches the rest over REST.
func (b *Exchange) FetchTickers(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(instruments))
	var missing []string
	for _, inst := range instruments {
		if q, ok := b.stream.get(symbol(inst), b.cfg.QuoteMaxAge); ok {
			out[inst] = q.Mid()
			continue
		}
		missing = append(missing, inst)
	}
	if len(missing) == 0 {
		return out, nil
	}

	bySymbol := make(map[string]string, len(missing))
	syms := make([]string, 0, len(missing))
	for _, inst := range missing {
		s := symbol(inst)
		bySymbol[s] = inst
		syms = append(syms, strconv.Quote(s))
	}
	q := url.Values{}
	q.Set("symbols", "["+strings.Join(syms, ",")+"]")

	var resp []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.rest.do(ctx, http.MethodGet, "api.ticker.price", q, false, &resp); err != nil {
		if len(out) > 0 {
			log.Printf("[binance] ticker fetch failed, returning %d streamed prices: %v", len(out), err)
			return out, nil
		}
		return nil, fmt.Errorf("binance: tickers: %w", err)
	}
	for _, t := range resp {
		inst, ok := bySymbol[t.Symbol]
		if !ok {
			continue
		}
		px, err := decimal.NewFromString(t.Price)
		if err != nil {
			continue
		}
		out[inst] = px
	}
	return out, nil
}
