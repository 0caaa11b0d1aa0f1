package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"codi/internal/logging"
)

// Liveness probing: a child is dead after two missed pongs.
const (
	pingInterval   = 30 * time.Second
	maxMissedPongs = 2
)

// Conn is one accepted child connection. Writes are serialized; reads run
// in the connection's own goroutine, preserving send order.
type Conn struct {
	server  *Server
	netConn net.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	childID     string
	missedPongs int
	closed      bool
}

// ChildID returns the ID claimed in the handshake, empty before it.
func (c *Conn) ChildID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childID
}

// Send writes one message to the child.
func (c *Conn) Send(id string, msgType MessageType, payload any) error {
	line, _, err := Encode(id, msgType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.netConn.Write(append(line, '\n')); err != nil {
		return &Error{Kind: "disconnect", Detail: err}
	}
	logging.IPCDebug("-> %s %s", c.ChildID(), msgType)
	return nil
}

// Close tears the connection down.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.netConn.Close()
}

// Handler receives inbound messages and lifecycle events from children.
type Handler interface {
	// OnMessage is called for every inbound message, in receive order.
	OnMessage(conn *Conn, header Header, line []byte)

	// OnDisconnect is called once when a connection drops, with the
	// child ID it had claimed (may be empty).
	OnDisconnect(conn *Conn, childID string)
}

// Server accepts child connections on a UNIX-domain socket.
type Server struct {
	path     string
	listener net.Listener
	handler  Handler

	mu    sync.Mutex
	conns map[string]*Conn // keyed by child ID once handshaken

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer creates a server listening on path. A stale socket file from a
// crashed process is removed first.
func NewServer(path string, handler Handler) (*Server, error) {
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, &Error{Kind: "disconnect", Detail: fmt.Errorf("listen %s: %w", path, err)}
	}

	s := &Server{
		path:     path,
		listener: listener,
		handler:  handler,
		conns:    make(map[string]*Conn),
		closed:   make(chan struct{}),
	}
	logging.IPC("Server listening on %s", path)
	return s, nil
}

// Path returns the socket path children should connect to.
func (s *Server) Path() string { return s.path }

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.closed:
					return
				case <-ctx.Done():
					return
				default:
				}
				logging.Get(logging.CategoryIPC).Warn("Accept failed: %v", err)
				return
			}
			c := &Conn{server: s, netConn: conn}
			readDone := make(chan struct{})
			go func() {
				// Close reaches connections that never handshook, which
				// are not in s.conns.
				select {
				case <-s.closed:
					c.Close()
				case <-readDone:
				}
			}()
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer close(readDone)
				s.readLoop(ctx, c)
			}()
		}
	}()
}

// readLoop delivers inbound messages in order until EOF or error.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		childID := c.ChildID()
		c.Close()
		s.unregister(childID)
		s.handler.OnDisconnect(c, childID)
	}()

	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		header, err := DecodeHeader(line)
		if err != nil {
			logging.Get(logging.CategoryIPC).Warn("Bad message from %s: %v", c.ChildID(), err)
			continue
		}

		switch header.Type {
		case TypeHandshake:
			var hs Handshake
			if err := DecodePayload(line, &hs); err == nil {
				s.register(hs.ChildID, c)
			}
		case TypePong:
			c.mu.Lock()
			c.missedPongs = 0
			c.mu.Unlock()
			continue
		case TypePing:
			c.Send(header.ID, TypePong, nil)
			continue
		}

		logging.IPCDebug("<- %s %s", c.ChildID(), header.Type)
		s.handler.OnMessage(c, header, line)
	}
}

func (s *Server) register(childID string, c *Conn) {
	c.mu.Lock()
	c.childID = childID
	c.mu.Unlock()

	s.mu.Lock()
	s.conns[childID] = c
	s.mu.Unlock()
}

func (s *Server) unregister(childID string) {
	if childID == "" {
		return
	}
	s.mu.Lock()
	delete(s.conns, childID)
	s.mu.Unlock()
}

// ConnFor returns the live connection for a child, if any.
func (s *Server) ConnFor(childID string) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[childID]
}

// SendTo delivers a message to one child.
func (s *Server) SendTo(childID, id string, msgType MessageType, payload any) error {
	conn := s.ConnFor(childID)
	if conn == nil {
		return &Error{Kind: "disconnect", Detail: fmt.Errorf("no connection for child %s", childID)}
	}
	return conn.Send(id, msgType, payload)
}

// Cancel sends a cancel to the targeted child only.
func (s *Server) Cancel(childID, reason string) error {
	return s.SendTo(childID, "", TypeCancel, Cancel{Reason: reason})
}

// PingLoop probes all children until ctx ends; children that miss two pongs
// are closed, which surfaces as a disconnect.
func (s *Server) PingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = pingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.mu.Lock()
			conns := make([]*Conn, 0, len(s.conns))
			for _, c := range s.conns {
				conns = append(conns, c)
			}
			s.mu.Unlock()

			for _, c := range conns {
				c.mu.Lock()
				c.missedPongs++
				dead := c.missedPongs > maxMissedPongs
				c.mu.Unlock()
				if dead {
					logging.Get(logging.CategoryIPC).Warn("Child %s missed %d pongs; closing", c.ChildID(), maxMissedPongs)
					c.Close()
					continue
				}
				c.Send("", TypePing, nil)
			}
		}
	}
}

// Close stops accepting and closes every connection.
func (s *Server) Close() {
	close(s.closed)
	s.listener.Close()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	s.wg.Wait()
	os.Remove(s.path)
	logging.IPC("Server closed")
}
