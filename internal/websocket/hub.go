package websocket

import (
	"context"
	"encoding/json"
	"time"
)

// StatusUpdate is pushed to every client watching an order whenever the
// ledger commits a transition.
type StatusUpdate struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

// Hub fans status updates out to websocket clients grouped by order id.
// All subscription state lives on the Run goroutine; the channels are the
// only synchronization.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan StatusUpdate
	done       chan struct{}
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan StatusUpdate),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true

		case c := <-h.unregister:
			if set, ok := h.clients[c.orderID]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.orderID)
				}
			}

		case upd := <-h.broadcast:
			msg, _ := json.Marshal(upd)
			for c := range h.clients[upd.OrderID] {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; drop it rather than block the hub.
					delete(h.clients[upd.OrderID], c)
					close(c.send)
				}
			}

		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

// BroadcastOrderUpdate implements order.StatusListener. A transition
// committed after the hub stopped is dropped instead of leaking a blocked
// goroutine.
func (h *Hub) BroadcastOrderUpdate(orderID, status string) {
	upd := StatusUpdate{OrderID: orderID, Status: status, UpdatedAt: time.Now().UTC()}
	go func() {
		select {
		case h.broadcast <- upd:
		case <-h.done:
		}
	}()
}
