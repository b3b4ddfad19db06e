package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay/api/internal/config"
	"relay/api/internal/util"
)

// SocketHub accepts WebSocket connections, feeds their requests to the
// Service and delivers outbound frames. It implements Transport.
type SocketHub struct {
	service  *Service
	upgrader websocket.Upgrader

	sendBuffer      int
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	maxMessageBytes int64

	mu      sync.RWMutex
	clients map[string]*socketClient
}

type socketClient struct {
	id   string
	conn *websocket.Conn
	// send is never closed; done signals the writer to stop.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewSocketHub(service *Service, cfg config.Config) *SocketHub {
	hub := &SocketHub{
		service:         service,
		sendBuffer:      cfg.SendBuffer,
		writeTimeout:    cfg.WriteTimeout,
		idleTimeout:     cfg.IdleTimeout,
		maxMessageBytes: cfg.MaxMessageBytes,
		clients:         make(map[string]*socketClient),
	}
	if hub.sendBuffer <= 0 {
		hub.sendBuffer = 256
	}
	if hub.writeTimeout <= 0 {
		hub.writeTimeout = 10 * time.Second
	}
	if hub.idleTimeout <= 0 {
		hub.idleTimeout = 32 * time.Second
	}
	if hub.maxMessageBytes <= 0 {
		hub.maxMessageBytes = 1 << 20
	}
	corsOrigin := cfg.CORSOrigin
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return corsOrigin == "" || corsOrigin == "*" || origin == "" || origin == corsOrigin
		},
	}
	service.setTransport(hub)
	return hub
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *SocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := &socketClient{
		id:   util.NewID("conn"),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	ctx := context.WithoutCancel(r.Context())

	h.register(client)
	go h.writeLoop(client)
	h.service.Connect(ctx, client.id)

	h.readLoop(ctx, client)

	h.unregister(client)
	client.close()
	h.service.Disconnect(ctx, client.id)
}

func (h *SocketHub) SendTo(connID string, frame []byte) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.enqueue(frame)
}

func (h *SocketHub) BroadcastAll(frame []byte) {
	h.mu.RLock()
	clients := make([]*socketClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()
	for _, client := range clients {
		client.enqueue(frame)
	}
}

// ConnectionCount returns the number of live connections.
func (h *SocketHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every live connection. Their read loops then run the normal
// disconnect path.
func (h *SocketHub) Close() {
	h.mu.RLock()
	clients := make([]*socketClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()
	for _, client := range clients {
		client.close()
	}
}

func (h *SocketHub) register(client *socketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.id] = client
}

func (h *SocketHub) unregister(client *socketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.id)
}

func (h *SocketHub) readLoop(ctx context.Context, client *socketClient) {
	conn := client.conn
	conn.SetReadLimit(h.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("client %s read error: %v", client.id, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(ctx, client, message)
	}
}

func (h *SocketHub) dispatch(ctx context.Context, client *socketClient, message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Printf("client %s sent undecodable frame: %v", client.id, err)
		var probe struct {
			AckID *int64 `json:"ackId"`
		}
		if json.Unmarshal(message, &probe) == nil && probe.AckID != nil {
			client.enqueue(encodeAck(probe.AckID, ackFromError(validationError("Malformed frame"))))
		}
		return
	}

	ack := h.service.Handle(ctx, client.id, frame.Event, frame.Data)
	if frame.AckID != nil {
		client.enqueue(encodeAck(frame.AckID, ack))
	}
}

func (h *SocketHub) writeLoop(client *socketClient) {
	pingPeriod := h.idleTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.close()
	}()

	for {
		select {
		case <-client.done:
			return
		case frame := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("client %s write error: %v", client.id, err)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue never blocks. A client whose queue is full is closed as too slow.
func (c *socketClient) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		log.Printf("client %s is not keeping up, closing", c.id)
		c.close()
	}
}

func (c *socketClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
