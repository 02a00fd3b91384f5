package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dcmwrap/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsSendBuffer = 64
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// writePump drains the send channel and keeps the connection alive with
// pings. It owns all writes on the connection. The send channel is never
// closed so a concurrent broadcast can always enqueue safely.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// WSServer broadcasts event records to websocket clients. It stays off
// unless the config gives it a listen address.
type WSServer struct {
	addr     string
	server   *http.Server
	listener net.Listener

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

// NewWSServer creates a websocket server bound to addr.
func NewWSServer(addr string) (*WSServer, error) {
	s := &WSServer{
		addr:    addr,
		clients: make(map[*wsClient]bool),
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWS)
	s.server = &http.Server{Handler: mux}

	return s, nil
}

// Addr returns the bound listen address.
func (s *WSServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Name implements events.Sink.
func (s *WSServer) Name() string { return "websocket" }

// Send implements events.Sink by broadcasting to all connected clients.
func (s *WSServer) Send(ctx context.Context, rec *events.Record) error {
	s.Broadcast(rec)
	return nil
}

// Start serves connections in a goroutine.
func (s *WSServer) Start(ctx context.Context) {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = err
		}
	}()
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newWSClient(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		return
	}
	s.clients[c] = true
	s.mu.Unlock()

	// Read loop discards client input and notices disconnects
	go func() {
		defer s.removeClient(c)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *WSServer) removeClient(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()
}

// Broadcast sends a record to all connected clients. Clients whose send
// buffer is full are disconnected.
func (s *WSServer) Broadcast(rec *events.Record) {
	data, err := rec.JSONLine()
	if err != nil {
		return
	}

	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			s.removeClient(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *WSServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects all clients and stops the server.
func (s *WSServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// checkOrigin accepts browser connections from the same host and from
// localhost. Non-browser clients send no Origin header and pass.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}
