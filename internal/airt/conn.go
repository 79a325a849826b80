// Package airt implements the AI-RT Session: a per-call WebSocket client to
// a remote real-time conversational AI endpoint. Conn is the bare
// transport (dial, framing, thread-safe writes); Session is the
// demultiplexer and business logic layered on top of it, mirroring the
// ancestor's split between internal/sip.Server (transport/handlers) and its
// per-dialog state.
package airt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a thin, thread-safe wrapper around a gorilla/websocket connection.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects to the AI-RT endpoint, attaching model as a query
// parameter and the API key as a bearer token header.
func Dial(ctx context.Context, endpoint, model, apiKey string) (*Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("airt: parse url: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("airt: dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	return &Conn{ws: ws}, nil
}

// WriteJSON marshals v and sends it as a text frame. Safe for concurrent
// use; the pump goroutine (event dispatch and caller-audio drain) and the
// read supervisor's reconnect handshake both call this.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// ReadMessage blocks for the next text frame's payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	return c.ws.Close()
}
