// Package ws bridges the signal bus to WebSocket clients: every event the
// service publishes is fanned out to connected clients subscribed to its
// channel.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outcomelab/settled/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

// busChannels are the bus channels the hub listens on. New connections start
// subscribed to all of them and narrow down via subscribe frames.
var busChannels = []string{
	domain.ChannelMarkets,
	domain.ChannelTrades,
	domain.ChannelResolution,
	domain.ChannelBreaker,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin filtering happens in the CORS middleware; the upgrade itself
	// accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one WebSocket connection and its channel subscriptions.
type session struct {
	conn *websocket.Conn
	out  chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func (s *session) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs[channel]
}

// subscribeFrame is the client-to-server JSON frame managing subscriptions.
type subscribeFrame struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

func (s *session) apply(f subscribeFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToLower(f.Action) {
	case "subscribe":
		for _, ch := range f.Channels {
			s.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range f.Channels {
			delete(s.subs, ch)
		}
	}
}

// busFrame pairs a bus payload with its source channel so the hub can route
// it to the right subscribers.
type busFrame struct {
	channel string
	data    []byte
}

// Hub owns the set of live sessions and routes bus events to them.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	attach  chan *session
	detach  chan *session
	inbound chan busFrame

	mu       sync.RWMutex
	sessions map[*session]struct{}

	startedAt time.Time
}

// NewHub creates a hub bridging the given signal bus to WebSocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		logger:    logger,
		attach:    make(chan *session),
		detach:    make(chan *session),
		inbound:   make(chan busFrame, 256),
		sessions:  make(map[*session]struct{}),
		startedAt: time.Now().UTC(),
	}
}

// Run consumes the bus channels and drives session attach/detach and fan-out
// until the context is cancelled. Call it in its own goroutine.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range busChannels {
		go h.consume(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.sessions {
				close(s.out)
			}
			h.sessions = make(map[*session]struct{})
			h.mu.Unlock()
			return ctx.Err()

		case s := <-h.attach:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case s := <-h.detach:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.out)
			}
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case f := <-h.inbound:
			h.fanout(f)
		}
	}
}

// fanout delivers a bus frame to every subscribed session. A session whose
// buffer is full loses the frame rather than stalling the hub.
func (h *Hub) fanout(f busFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if !s.wants(f.channel) {
			continue
		}
		select {
		case s.out <- f.data:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// consume forwards one bus channel into the hub's inbound queue.
func (h *Hub) consume(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed", slog.String("channel", channel))
				return
			}
			h.inbound <- busFrame{channel: channel, data: data}
		}
	}
}

// HandleWS upgrades the request and attaches the new session.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &session{
		conn: conn,
		out:  make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(busChannels)),
	}
	for _, ch := range busChannels {
		s.subs[ch] = true
	}

	h.attach <- s
	h.greet(s)

	go h.writeLoop(s)
	go h.readLoop(s)
}

// greet queues a hello frame so clients see traffic before the first event.
func (h *Hub) greet(s *session) {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"channels":       busChannels,
			"uptime_seconds": uptime,
		},
	})
	if err != nil {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

// readLoop drains client frames, applying subscription changes, until the
// connection errors or closes.
func (h *Hub) readLoop(s *session) {
	defer func() {
		h.detach <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var f subscribeFrame
		if err := json.Unmarshal(raw, &f); err == nil && f.Action != "" {
			s.apply(f)
		}
	}
}

// writeLoop pushes queued frames to the client and keeps the connection alive
// with periodic pings.
func (h *Hub) writeLoop(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
