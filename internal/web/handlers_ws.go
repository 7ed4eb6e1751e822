package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"signalhub/internal/broadcast"
)

// WSHub manages WebSocket connections. Every client receives the global
// stream; clients may additionally join per-key groups (device id, sync id,
// pairing id) with subscribe commands.
type WSHub struct {
	bus    *broadcast.Broadcaster
	logger *slog.Logger

	clients map[*wsClient]struct{}
	mu      sync.Mutex

	// Refcounted broadcaster group subscriptions, guarded by mu.
	groupSubs map[string]*groupSub

	register   chan *wsClient
	unregister chan *wsClient
	outbound   chan broadcast.Message

	done     chan struct{}
	stopOnce sync.Once
	unsubAll func()
}

type groupSub struct {
	refs  int
	unsub func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	groups map[string]struct{}
}

func (c *wsClient) inGroup(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[key]
	return ok
}

// NewWSHub creates a hub fed by the broadcaster's global stream.
func NewWSHub(bus *broadcast.Broadcaster, logger *slog.Logger) *WSHub {
	h := &WSHub{
		bus:        bus,
		logger:     logger,
		clients:    make(map[*wsClient]struct{}),
		groupSubs:  make(map[string]*groupSub),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		outbound:   make(chan broadcast.Message, 256),
		done:       make(chan struct{}),
	}
	h.unsubAll = bus.SubscribeAll(h.enqueue)
	return h
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown.
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			for key, gs := range h.groupSubs {
				gs.unsub()
				delete(h.groupSubs, key)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.outbound:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				if msg.Group != "" && !client.inGroup(msg.Group) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client too slow, mark for eviction.
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.releaseClientGroups(client)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		h.unsubAll()
		close(h.done)
	})
}

// enqueue feeds a broadcaster message into the hub without blocking.
func (h *WSHub) enqueue(msg broadcast.Message) {
	select {
	case h.outbound <- msg:
	default:
		h.logger.Warn("ws outbound channel full, dropping message", "event", msg.Event)
	}
}

func (h *WSHub) dropClient(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.releaseClientGroups(client)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client disconnected", "total", total)
}

// subscribeGroup joins the client to a group, creating the broadcaster
// subscription on first use. A client the hub no longer tracks (evicted or
// unregistered) is ignored so a racing subscribe cannot leak a group ref.
func (h *WSHub) subscribeGroup(client *wsClient, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}

	client.mu.Lock()
	if client.groups == nil {
		client.groups = make(map[string]struct{})
	}
	if _, ok := client.groups[key]; ok {
		client.mu.Unlock()
		return
	}
	client.groups[key] = struct{}{}
	client.mu.Unlock()

	if gs, ok := h.groupSubs[key]; ok {
		gs.refs++
		return
	}
	h.groupSubs[key] = &groupSub{
		refs:  1,
		unsub: h.bus.SubscribeGroup(key, h.enqueue),
	}
}

func (h *WSHub) unsubscribeGroup(client *wsClient, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	if _, ok := client.groups[key]; !ok {
		client.mu.Unlock()
		return
	}
	delete(client.groups, key)
	client.mu.Unlock()

	h.releaseGroup(key)
}

// releaseClientGroups drops all of a client's group refs. Caller holds h.mu.
func (h *WSHub) releaseClientGroups(client *wsClient) {
	client.mu.Lock()
	keys := make([]string, 0, len(client.groups))
	for key := range client.groups {
		keys = append(keys, key)
	}
	client.groups = nil
	client.mu.Unlock()

	for _, key := range keys {
		h.releaseGroup(key)
	}
}

// releaseGroup decrements one ref, unsubscribing when none remain. Caller
// holds h.mu.
func (h *WSHub) releaseGroup(key string) {
	gs, ok := h.groupSubs[key]
	if !ok {
		return
	}
	gs.refs--
	if gs.refs <= 0 {
		gs.unsub()
		delete(h.groupSubs, key)
	}
}

// wsCommand is a client-to-server message on the websocket.
type wsCommand struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowedOrigins nhooyr defaults to a same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			// Hub already shut down; close connection directly.
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Debug("ws command parse", "err", err)
			continue
		}
		if cmd.Subscribe != "" {
			s.wsHub.subscribeGroup(client, cmd.Subscribe)
		}
		if cmd.Unsubscribe != "" {
			s.wsHub.unsubscribeGroup(client, cmd.Unsubscribe)
		}
	}
}
