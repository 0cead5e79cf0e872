package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-corev1/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// StreamHub pushes ledger trades to WebSocket clients. It is attached to the
// trade fan-out as one more sink.
type StreamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	seq     int64
	replay  *ReplayBuffer
	closed  bool
}

// NewStreamHub keeps the last replaySize envelopes for reconnecting clients.
func NewStreamHub(replaySize int) *StreamHub {
	return &StreamHub{
		clients: make(map[*streamClient]struct{}),
		replay:  NewReplayBuffer(replaySize),
	}
}

type envelope struct {
	Type string           `json:"type"`
	Seq  int64            `json:"seq"`
	Data model.TradeEvent `json:"data"`
}

// Run broadcasts events until ctx is done or ch is closed.
func (h *StreamHub) Run(ctx context.Context, ch <-chan model.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast sends ev to every client whose filter matches. Slow clients miss
// messages rather than block the hub.
func (h *StreamHub) Broadcast(ev model.TradeEvent) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	data, err := json.Marshal(envelope{Type: "trade", Seq: seq, Data: ev})
	if err != nil {
		log.Printf("[stream] encode trade %s: %v", ev.OrderID, err)
		return
	}
	h.replay.Push(seq, ev.Key(), data)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(ev.Venue, ev.Instrument) {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// ServeHTTP upgrades the request. Query parameters: venue and instrument
// filter the stream, last_seq replays buffered trades after that seq.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] ws upgrade error: %v", err)
		return
	}
	q := r.URL.Query()
	c := &streamClient{
		conn:       conn,
		send:       make(chan []byte, 256),
		hub:        h,
		venue:      q.Get("venue"),
		instrument: q.Get("instrument"),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[stream] ws client connected (%d total)", count)

	if s := q.Get("last_seq"); s != "" {
		if after, err := strconv.ParseInt(s, 10, 64); err == nil {
			c.replayFrom(after)
		}
	}

	go c.writePump()
	go c.readPump()
}

func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *StreamHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}

type streamClient struct {
	conn       *websocket.Conn
	send       chan []byte
	hub        *StreamHub
	venue      string
	instrument string
}

func (c *streamClient) matches(venue, instrument string) bool {
	return (c.venue == "" || c.venue == venue) && (c.instrument == "" || c.instrument == instrument)
}

func (c *streamClient) replayFrom(after int64) {
	for _, e := range c.hub.replay.Since(after) {
		venue, instrument := splitKey(e.Key)
		if !c.matches(venue, instrument) {
			continue
		}
		if !c.trySend(e.Data) {
			return
		}
	}
}

func splitKey(key string) (venue, instrument string) {
	venue, instrument, _ = strings.Cut(key, ":")
	return venue, instrument
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		log.Println("[stream] ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ping struct {
			Ping int64 `json:"ping"`
		}
		if json.Unmarshal(msg, &ping) != nil || ping.Ping <= 0 {
			continue
		}
		pong, _ := json.Marshal(map[string]interface{}{
			"type":      "pong",
			"ping":      ping.Ping,
			"server_ts": time.Now().UnixMilli(),
		})
		c.trySend(pong)
	}
}

// trySend queues data unless the client has been removed or its buffer is
// full. send is only closed under the hub's write lock.
func (c *streamClient) trySend(data []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
