// WebSocket hub for real-time fill and price-tick broadcasting.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mocktrade/contest-engine/internal/engine"
	"github.com/mocktrade/contest-engine/internal/metrics"
	"github.com/mocktrade/contest-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string `json:"type"` // "fill" or "tick"
	Code          string `json:"code"`
	ParticipantID string `json:"participant_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	Side          string `json:"side,omitempty"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity,omitempty"`
	Trigger       string `json:"trigger,omitempty"` // "market" or "tick"
	Timestamp     string `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts fills and price
// ticks to all connected clients. Implements engine.Notifier.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			// Write lock: dead clients are deleted during the sweep.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// NotifyFill broadcasts an executed fill to all connected clients.
func (h *WSHub) NotifyFill(ev engine.FillEvent) {
	h.send(WSMessage{
		Type:          "fill",
		Code:          ev.Trade.Code,
		ParticipantID: ev.Trade.ParticipantID,
		OrderID:       ev.Trade.OrderID,
		Side:          ev.Trade.Side,
		Price:         ev.Trade.Price.String(),
		Quantity:      ev.Trade.Quantity.String(),
		Trigger:       ev.Trigger,
		Timestamp:     ev.Trade.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// BroadcastTick broadcasts a price tick to all connected clients.
func (h *WSHub) BroadcastTick(tick model.PriceTick) {
	h.send(WSMessage{
		Type:      "tick",
		Code:      tick.Code,
		Price:     tick.Price.String(),
		Timestamp: tick.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (h *WSHub) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
