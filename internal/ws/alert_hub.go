package ws

import (
	"encoding/json"
	"log"
	"sync"

	"proctor/internal/alert"
	"proctor/internal/pipeline"
)

var _ pipeline.OutcomeHandler = (*AlertHub)(nil)

// client is one WebSocket subscriber with its own send queue
type client struct {
	send     chan []byte
	outcomes bool
}

// AlertHub fans alert vectors and frame outcomes out to WebSocket clients.
// Broadcasts never block: a client whose queue is full misses the message.
type AlertHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	dropped uint64
}

// NewAlertHub creates a new alert hub
func NewAlertHub() *AlertHub {
	return &AlertHub{
		clients: make(map[*client]bool),
	}
}

func (h *AlertHub) register(outcomes bool) *client {
	c := &client{send: make(chan []byte, 16), outcomes: outcomes}
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[WS] Client registered (total: %d)", total)
	return c
}

func (h *AlertHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		log.Printf("[WS] Client unregistered (remaining: %d)", len(h.clients))
	}
}

// ClientCount returns the number of connected clients
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *AlertHub) broadcast(data []byte, outcomesOnly bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if outcomesOnly && !c.outcomes {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped++
		}
	}
}

func (h *AlertHub) sendTo(c *client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		h.dropped++
	}
}

// BroadcastAlerts sends an alert vector to every client. It has the
// signature of an alert.Store publish listener.
func (h *AlertHub) BroadcastAlerts(state alert.State) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(NewAlertMessage(state))
	if err != nil {
		log.Printf("[WS] Error marshaling alert message: %v", err)
		return
	}
	h.broadcast(data, false)
}

// OnFrameOutcome sends processed frame outcomes to clients that asked for them
func (h *AlertHub) OnFrameOutcome(o *pipeline.FrameOutcome) {
	if o == nil || o.Skipped || h.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(NewOutcomeMessage(o))
	if err != nil {
		log.Printf("[WS] Error marshaling outcome message: %v", err)
		return
	}
	h.broadcast(data, true)
}

// Close disconnects every client
func (h *AlertHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
