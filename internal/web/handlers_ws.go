package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"quilt-bridge/internal/reconcile"
)

// WSHub fans reconciler events out to connected WebSocket clients. The
// client map is owned by the Run loop; register, unregister, and broadcast
// all go through its channels.
type WSHub struct {
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan reconcile.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan reconcile.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.logger.Debug("ws client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Debug("ws client disconnected", "total", len(h.clients))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client too slow, evict it.
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("ws client evicted (too slow)")
				}
			}
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues a reconciler event for all connected clients, dropping it
// when the queue is full.
func (h *WSHub) Broadcast(ev reconcile.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// With no allowedOrigins configured, nhooyr defaults to same-origin.

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
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clients only listen; incoming messages are drained until close.
	for {
		_, _, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
