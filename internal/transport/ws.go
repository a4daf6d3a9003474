package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSServer serves the message channel over WebSocket. Each incoming
// envelope is answered with exactly one correlated response.
type WSServer struct {
	upgrader websocket.Upgrader
	handler  Handler
}

// NewWSServer wraps a handler as a WebSocket endpoint.
func NewWSServer(handler Handler) *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		handler: handler,
	}
}

// ServeHTTP upgrades the connection and serves envelopes until it closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		go func(env Envelope) {
			resp := s.handler(r.Context(), env)
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(resp)
		}(env)
	}
}

// WSChannel is the client side of the WebSocket message channel.
type WSChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
	readErr error
}

// DialWS connects to the aggregator's WebSocket endpoint.
func DialWS(url string) (*WSChannel, error) {
	return DialWSTLS(url, nil)
}

// DialWSTLS connects with an explicit TLS configuration, for wss endpoints
// with a pinned CA or client certificates.
func DialWSTLS(url string, tlsCfg *tls.Config) (*WSChannel, error) {
	dialer := *websocket.DefaultDialer
	if tlsCfg != nil {
		dialer.TLSClientConfig = tlsCfg
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	c := &WSChannel{
		conn:    conn,
		pending: make(map[string]chan Response),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) readLoop() {
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Request sends the envelope and waits for its correlated response.
func (c *WSChannel) Request(ctx context.Context, env Envelope) (Response, error) {
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("transport: channel closed")
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return Response{}, fmt.Errorf("transport: write request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return Response{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			readErr := c.readErr
			c.mu.Unlock()
			return Response{}, fmt.Errorf("transport: connection lost: %w", readErr)
		}
		return resp, nil
	}
}

// Close shuts the connection down.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// LocalChannel serves requests in-process against a handler. It backs tests
// and single-process runs with the same semantics as the WebSocket channel.
type LocalChannel struct {
	handler Handler
}

// NewLocalChannel wraps a handler as an in-process channel.
func NewLocalChannel(handler Handler) *LocalChannel {
	return &LocalChannel{handler: handler}
}

// Request serves the envelope directly.
func (c *LocalChannel) Request(ctx context.Context, env Envelope) (Response, error) {
	return c.handler(ctx, env), nil
}

// Close is a no-op.
func (c *LocalChannel) Close() error {
	return nil
}
