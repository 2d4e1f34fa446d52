package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/loadbank-link/internal/link"
)

// Message is the JSON structure sent to WebSocket clients.
type Message struct {
	Kind  string      `json:"kind"` // status, health, rx, tx, state
	Data  interface{} `json:"data"`
	Stamp int64       `json:"stamp"` // Unix ms
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans link events out to WebSocket clients. It implements
// link.Emitter; slow clients miss messages rather than stalling the link.
type Hub struct {
	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	// Raw rx/tx chunks are chatty; they are only forwarded when enabled.
	rawMu sync.RWMutex
	raw   bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
		raw: true,
	}
}

// SetRaw toggles forwarding of rx/tx chunks.
func (h *Hub) SetRaw(on bool) {
	h.rawMu.Lock()
	h.raw = on
	h.rawMu.Unlock()
}

// Emit implements link.Emitter.
func (h *Hub) Emit(e link.Event) {
	var data interface{}
	switch e.Kind {
	case link.KindStatus:
		data = e.Status
	case link.KindHealth:
		data = e.Health
	case link.KindRx, link.KindTx:
		h.rawMu.RLock()
		raw := h.raw
		h.rawMu.RUnlock()
		if !raw {
			return
		}
		data = e.Chunk
	default:
		return
	}
	h.Broadcast(Message{Kind: string(e.Kind), Data: data})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client. hello, if not
// nil, is sent before any broadcast.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, hello *Message) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade error")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	if hello != nil {
		if data, err := encode(*hello); err == nil {
			client.send <- data
		}
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.log.Info().Int("clients", n).Msg("client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, client)
			n := len(h.clients)
			close(client.send)
			h.clientsMu.Unlock()
			h.log.Info().Int("clients", n).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends m to every client, skipping those whose queue is full.
func (h *Hub) Broadcast(m Message) {
	data, err := encode(m)
	if err != nil {
		h.log.Error().Err(err).Str("kind", m.Kind).Msg("marshal failed")
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		client.conn.Close()
	}
}

func encode(m Message) ([]byte, error) {
	if m.Stamp == 0 {
		m.Stamp = time.Now().UnixMilli()
	}
	return json.Marshal(m)
}
