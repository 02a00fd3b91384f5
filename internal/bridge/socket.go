// Package bridge feeds live event records to external consumers over a
// Unix socket and, optionally, a websocket endpoint.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dcmwrap/internal/events"
)

// SocketServer manages a Unix domain socket for external integrations.
// Connected clients receive every record as one JSON line.
type SocketServer struct {
	path      string
	listener  net.Listener
	clients   map[net.Conn]bool
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewSocketServer creates a socket server. An empty path defaults to
// ~/.dcmwrap/dcmwrap.sock.
func NewSocketServer(path string) (*SocketServer, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".dcmwrap", "dcmwrap.sock")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Remove a stale socket from a previous run
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return &SocketServer{
		path:     path,
		listener: listener,
		clients:  make(map[net.Conn]bool),
		done:     make(chan struct{}),
	}, nil
}

// Path returns the socket path.
func (s *SocketServer) Path() string {
	return s.path
}

// Name implements events.Sink.
func (s *SocketServer) Name() string { return "socket" }

// Send implements events.Sink by broadcasting to all connected clients.
func (s *SocketServer) Send(ctx context.Context, rec *events.Record) error {
	s.Broadcast(rec)
	return nil
}

// Start begins accepting connections in a goroutine.
func (s *SocketServer) Start(ctx context.Context) {
	go s.acceptLoop(ctx)
}

// acceptLoop accepts new connections until context is cancelled.
func (s *SocketServer) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Deadline so the loop can notice cancellation
		s.listener.(*net.UnixListener).SetDeadline(time.Now().Add(1 * time.Second))

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			continue
		}

		s.mu.Lock()
		s.clients[conn] = true
		s.mu.Unlock()

		go s.handleClient(conn)
	}
}

// handleClient manages a single client connection. The read loop exists
// only to notice the client going away; followers never write.
func (s *SocketServer) handleClient(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	welcome := events.NewRecord("state", "CONNECTED").WithText("connected to dcmwrap event socket")
	if data, err := welcome.JSONLine(); err == nil {
		conn.Write(append(data, '\n'))
	}

	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// Broadcast sends a record to all connected clients. Clients that fail
// the write are dropped.
func (s *SocketServer) Broadcast(rec *events.Record) {
	data, err := rec.JSONLine()
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.RLock()
	clients := make([]net.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.mu.RUnlock()

	for _, conn := range clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(data); err != nil {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *SocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close shuts down the socket server and removes the socket file.
func (s *SocketServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		for conn := range s.clients {
			conn.Close()
		}
		s.clients = make(map[net.Conn]bool)
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		os.Remove(s.path)
	})
	return nil
}

// Follow connects to a socket server and hands each received line to
// fn until the context ends or the server closes the connection.
func Follow(ctx context.Context, path string, fn func(line []byte)) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", path, err)
	}
	defer conn.Close()

	// Unblock the read when the context ends
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Bytes())
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
