package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"smc-signal-engine/internal/auth"
	"smc-signal-engine/internal/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamQueue      = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamed lists the bus events forwarded to stream clients
var streamed = []events.EventType{
	events.EventSignalGenerated,
	events.EventNoSignal,
	events.EventPhaseChanged,
	events.EventCalibrationRefit,
	events.EventOutcomeRecorded,
	events.EventScanCompleted,
	events.EventBacktestCompleted,
}

// frame is one encoded event plus the fields clients filter on
type frame struct {
	eventType  events.EventType
	instrument string
	payload    []byte
}

// streamFilter narrows a client to some instruments and event types. An
// empty set matches everything. Events without an instrument (refits, scan
// summaries) pass the instrument filter.
type streamFilter struct {
	instruments map[string]bool
	types       map[events.EventType]bool
}

func (f streamFilter) matches(fr frame) bool {
	if len(f.types) > 0 && !f.types[fr.eventType] {
		return false
	}
	if len(f.instruments) > 0 && fr.instrument != "" && !f.instruments[fr.instrument] {
		return false
	}
	return true
}

// parseStreamFilter reads ?instrument=EUR_USD,GBP_USD&type=SIGNAL_GENERATED
func parseStreamFilter(c *gin.Context) (streamFilter, error) {
	f := streamFilter{
		instruments: make(map[string]bool),
		types:       make(map[events.EventType]bool),
	}
	for _, inst := range splitQuery(c.Query("instrument")) {
		f.instruments[strings.ToUpper(inst)] = true
	}

	known := make(map[events.EventType]bool, len(streamed))
	for _, t := range streamed {
		known[t] = true
	}
	for _, raw := range splitQuery(c.Query("type")) {
		t := events.EventType(strings.ToUpper(raw))
		if !known[t] {
			return f, fmt.Errorf("unknown event type %q", raw)
		}
		f.types[t] = true
	}
	return f, nil
}

func splitQuery(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type streamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *StreamHub
	subject string
	filter  streamFilter
	closed  chan struct{}
}

// StreamHub fans pipeline events out to connected /ws/signals clients.
// Clients that fall behind by more than their queue are dropped.
type StreamHub struct {
	clients    map[*streamClient]struct{}
	broadcast  chan frame
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	mu         sync.RWMutex
	dropped    int
	logger     zerolog.Logger
}

// NewStreamHub creates a hub; call Run to start delivering
func NewStreamHub(logger zerolog.Logger) *StreamHub {
	return &StreamHub{
		clients:    make(map[*streamClient]struct{}),
		broadcast:  make(chan frame, 4096),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "signal_stream").Logger(),
	}
}

// Subscribe forwards the streamed event types from bus
func (h *StreamHub) Subscribe(bus *events.EventBus) {
	for _, t := range streamed {
		bus.Subscribe(t, h.Publish)
	}
}

// Run delivers frames until ctx is done, then closes every client
func (h *StreamHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case cl := <-h.register:
			h.mu.Lock()
			h.clients[cl] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug().
				Str("subject", cl.subject).
				Int("instruments", len(cl.filter.instruments)).
				Int("types", len(cl.filter.types)).
				Msg("Stream client registered")

		case cl := <-h.unregister:
			h.mu.Lock()
			h.remove(cl)
			h.mu.Unlock()

		case fr := <-h.broadcast:
			h.mu.Lock()
			for cl := range h.clients {
				if !cl.filter.matches(fr) {
					continue
				}
				select {
				case cl.send <- fr.payload:
				default:
					h.dropped++
					h.logger.Warn().Str("subject", cl.subject).Msg("Stream client too slow, disconnecting")
					h.remove(cl)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for cl := range h.clients {
				h.remove(cl)
			}
			h.mu.Unlock()
			return
		}
	}
}

// remove must hold h.mu
func (h *StreamHub) remove(cl *streamClient) {
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// Publish encodes event and queues it for delivery
func (h *StreamHub) Publish(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to encode event")
		return
	}
	fr := frame{eventType: event.Type, payload: payload}
	if inst, ok := event.Data["instrument"].(string); ok {
		fr.instrument = inst
	}

	select {
	case h.broadcast <- fr:
	default:
		h.logger.Warn().Str("event", string(event.Type)).Msg("Stream queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many clients were disconnected for falling behind
func (h *StreamHub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Debug().Err(err).Msg("Stream write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}

// readPump only services control frames; the stream is one-way
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closed)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("Stream read error")
			}
			return
		}
	}
}

// handleWebSocket upgrades /ws/signals. Optional query filters:
// instrument (comma list) and type (comma list of event types).
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		errorResponse(c, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	filter, err := parseStreamFilter(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	cl := &streamClient{
		conn:    conn,
		send:    make(chan []byte, streamQueue),
		hub:     s.hub,
		subject: auth.GetSubject(c),
		filter:  filter,
		closed:  make(chan struct{}),
	}

	instruments := make([]string, 0, len(filter.instruments))
	for inst := range filter.instruments {
		instruments = append(instruments, inst)
	}
	welcome, _ := json.Marshal(gin.H{
		"type":        "CONNECTED",
		"message":     "signal stream established",
		"instruments": instruments,
		"timestamp":   time.Now().UTC(),
	})
	cl.send <- welcome

	select {
	case s.hub.register <- cl:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}
