package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Listener is the store side of the push channel: it dials HQ, sends
// heartbeats, and surfaces change notifications so the sync loop can wake
// early instead of waiting out its interval. The channel is best effort;
// losing it only delays sync until the next scheduled cycle.
type Listener struct {
	hqURL         string
	storeID       string
	token         string
	clientVersion string

	heartbeatEvery time.Duration
	pendingCount   func() int
	onChange       func(entityType string)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stopChan  chan struct{}
	stopped   bool
	wg        sync.WaitGroup

	// writeMu serializes heartbeat and pong writes on the shared conn
	writeMu sync.Mutex
}

// NewListener creates a store-side push channel listener
func NewListener(hqURL, storeID, token, clientVersion string, heartbeatEvery time.Duration, pendingCount func() int, onChange func(entityType string)) *Listener {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	return &Listener{
		hqURL:          hqURL,
		storeID:        storeID,
		token:          token,
		clientVersion:  clientVersion,
		heartbeatEvery: heartbeatEvery,
		pendingCount:   pendingCount,
		onChange:       onChange,
		stopChan:       make(chan struct{}),
	}
}

// Start runs the connect/reconnect loop in the background
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop closes the channel and waits for the loop to exit
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.stopChan)
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Connected reports whether the push channel is currently up
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Listener) run() {
	defer l.wg.Done()

	delay := time.Second
	for {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err := l.session(); err != nil {
			log.Printf("🔌 Push channel down: %v (retrying in %s)", err, delay)
		}
		l.setConnected(false)

		select {
		case <-l.stopChan:
			return
		case <-time.After(delay):
		}
		if delay < time.Minute {
			delay *= 2
		}
	}
}

// session runs one connection's lifetime: dial, hello, heartbeats, reads
func (l *Listener) session() error {
	wsURL, err := toWSURL(l.hqURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	hello := Message{Type: MsgStoreHello, StoreID: l.storeID, MsgID: uuid.New().String()}
	if err := l.writeJSON(conn, hello); err != nil {
		return err
	}
	l.setConnected(true)

	done := make(chan struct{})
	go l.heartbeatLoop(conn, done)
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == MsgChangeAvailable && l.onChange != nil {
			l.onChange(msg.EntityType)
		}
	}
}

func (l *Listener) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(l.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			pending := 0
			if l.pendingCount != nil {
				pending = l.pendingCount()
			}
			hb := Message{
				Type:          MsgHeartbeat,
				StoreID:       l.storeID,
				PendingCount:  pending,
				ClientVersion: l.clientVersion,
				Timestamp:     time.Now().UTC(),
			}
			if err := l.writeJSON(conn, hb); err != nil {
				return
			}
		}
	}
}

func (l *Listener) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

func (l *Listener) writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func toWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/sync/ws"
	return u.String(), nil
}
