package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64KB, heartbeats and notifications only
)

// Message types on the store <-> HQ push channel
const (
	MsgStoreHello      = "STORE_HELLO"
	MsgHeartbeat       = "HEARTBEAT"
	MsgChangeAvailable = "CHANGE_AVAILABLE"
	MsgAck             = "ACK"
)

// Message is the wire format for the push channel
type Message struct {
	Type          string    `json:"type"`
	StoreID       string    `json:"storeId,omitempty"`
	EntityType    string    `json:"entityType,omitempty"`
	PendingCount  int       `json:"pendingCount,omitempty"`
	ClientVersion string    `json:"clientVersion,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
	MsgID         string    `json:"msgId,omitempty"`
	Status        string    `json:"status,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Stores connect from their own LANs
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a middleman between one store's websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Store ID identified after handshake
	StoreID string
}

// ServeWS upgrades an HTTP request into the push channel for one store
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 64),
	}

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS error: %v", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case MsgStoreHello:
			if msg.StoreID == "" {
				continue
			}
			c.StoreID = msg.StoreID
			c.hub.register <- c
			c.SendJSON(Message{Type: MsgAck, MsgID: msg.MsgID, Status: "connected"})

		case MsgHeartbeat:
			if c.StoreID == "" {
				continue
			}
			if c.hub.onHeartbeat != nil {
				c.hub.onHeartbeat(c.StoreID, msg.PendingCount, msg.ClientVersion)
			}
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
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
				// The hub closed the channel.
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

// SendJSON sends a JSON message to the client
func (c *Client) SendJSON(v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
	default:
	}
	return nil
}
