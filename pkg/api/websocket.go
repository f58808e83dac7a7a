package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub fans committed events out to WebSocket clients. Channels:
//
//	events              every event
//	market:<symbol>     events of one market
//	account:<address>   events owned by one address
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
}

var _ events.Sink = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run tracks client connects and disconnects until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.conn.Close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("ws_connected", "client", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("ws_disconnected", "client", client.id, "total", total)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements events.Sink. It runs under the ledger lock, so slow
// clients are skipped rather than waited on.
func (h *Hub) Publish(ev events.Event) {
	channels := []string{"events"}
	if ev.Market != "" {
		channels = append(channels, "market:"+ev.Market)
	}
	if ev.Owner != (common.Address{}) {
		channels = append(channels, "account:"+ev.Owner.Hex())
	}
	h.BroadcastToChannels(channels, WSEvent{Type: "event", Event: ev})
}

// BroadcastToChannels sends data once to every client subscribed to any of
// the channels
func (h *Hub) BroadcastToChannels(channels []string, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		h.logger.Errorw("ws_marshal_failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribedAny(channels) {
			continue
		}
		select {
		case client.send <- message:
		default:
			h.logger.Warnw("ws_client_lagging", "client", client.id)
		}
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

func (c *Client) subscribedAny(channels []string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range channels {
		if c.subscriptions[ch] {
			return true
		}
	}
	return false
}

// canonicalChannel checksums account addresses so any hex case subscribes
func canonicalChannel(ch string) string {
	if addr, ok := strings.CutPrefix(ch, "account:"); ok && common.IsHexAddress(addr) {
		return "account:" + common.HexToAddress(addr).Hex()
	}
	return ch
}

func (c *Client) apply(req WSSubscribeRequest) (WSAck, bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	ack := WSAck{Channels: make([]string, 0, len(req.Channels))}
	switch req.Op {
	case "subscribe":
		ack.Type = "subscribed"
		for _, ch := range req.Channels {
			ch = canonicalChannel(ch)
			c.subscriptions[ch] = true
			ack.Channels = append(ack.Channels, ch)
		}
	case "unsubscribe":
		ack.Type = "unsubscribed"
		for _, ch := range req.Channels {
			ch = canonicalChannel(ch)
			delete(c.subscriptions, ch)
			ack.Channels = append(ack.Channels, ch)
		}
	default:
		return ack, false
	}
	return ack, true
}

// readPump applies subscription requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}
		ack, ok := c.apply(req)
		if !ok {
			c.hub.logger.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
			continue
		}
		b, _ := json.Marshal(ack)
		select {
		case c.send <- b:
		default:
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
