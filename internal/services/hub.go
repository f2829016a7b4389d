package services

import (
	"context"
	"sync"

	"learnhub-backend-go/internal/models"

	"github.com/gorilla/websocket"
)

// AlertHub fans alerts out to admin websocket subscribers.
type AlertHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	ch      chan models.OpsAlert
}

func NewAlertHub() *AlertHub {
	return &AlertHub{
		clients: map[*websocket.Conn]bool{},
		ch:      make(chan models.OpsAlert, 16),
	}
}

func (h *AlertHub) Run(ctx context.Context) {
	for {
		select {
		case alert := <-h.ch:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteJSON(alert); err != nil {
					_ = conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
			}
			h.clients = map[*websocket.Conn]bool{}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast drops the alert when the buffer is full.
func (h *AlertHub) Broadcast(alert models.OpsAlert) {
	select {
	case h.ch <- alert:
	default:
	}
}

func (h *AlertHub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *AlertHub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *AlertHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
