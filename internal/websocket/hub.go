package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// HeartbeatFunc receives store heartbeats for persistence
type HeartbeatFunc func(storeID string, pendingCount int, clientVersion string)

// Hub maintains the set of connected store nodes and pushes change
// notifications down to them
type Hub struct {
	// Registered clients map: StoreID -> Client
	clients map[string]*Client

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Called for every heartbeat a store sends
	onHeartbeat HeartbeatFunc

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(onHeartbeat HeartbeatFunc) *Hub {
	return &Hub{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[string]*Client),
		onHeartbeat: onHeartbeat,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if client.StoreID != "" {
				// If a store reconnects, close the old connection
				if old, ok := h.clients[client.StoreID]; ok {
					close(old.send)
					delete(h.clients, client.StoreID)
				}
				h.clients[client.StoreID] = client
				log.Printf("🏬 Store connected: %s", client.StoreID)
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if client.StoreID != "" {
				if current, ok := h.clients[client.StoreID]; ok && current == client {
					delete(h.clients, client.StoreID)
					close(client.send)
					log.Printf("📴 Store disconnected: %s", client.StoreID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// NotifyChange tells every connected store (except the originator) that an
// entity type has new changes to pull. Best effort; offline stores catch up
// on their next scheduled cycle.
func (h *Hub) NotifyChange(entityType, sourceStore string) {
	msg := Message{
		Type:       MsgChangeAvailable,
		EntityType: entityType,
		StoreID:    sourceStore,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling change notification: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for storeID, client := range h.clients {
		if storeID == sourceStore {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full or client dead
		}
	}
}

// SendToStore sends a message to one connected store
func (h *Hub) SendToStore(storeID string, message interface{}) bool {
	h.mu.RLock()
	client, ok := h.clients[storeID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	jsonMsg, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling message: %v", err)
		return false
	}

	select {
	case client.send <- jsonMsg:
		return true
	default:
		return false
	}
}

// ConnectedStores lists the stores currently holding a live connection
func (h *Hub) ConnectedStores() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out
}

// IsConnected reports whether a store holds a live connection
func (h *Hub) IsConnected(storeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[storeID]
	return ok
}
