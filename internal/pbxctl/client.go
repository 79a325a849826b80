// Package pbxctl is the REST-over-WebSocket client for the PBX's
// channel-control interface: an event stream (StasisStart, StasisEnd,
// ChannelDestroyed, BridgeDestroyed) plus a small JSON REST surface for
// bridges and channels. It plays the role the ancestor's internal/sip.Server
// played for the raw SIP stack — connect, run, dispatch to handlers, stop —
// but here "the stack" is a control-plane WebSocket rather than SIP
// transports.
package pbxctl

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/voicebridge/internal/retry"
	"github.com/gorilla/websocket"
)

// Config holds the connection parameters for a Client.
type Config struct {
	// BaseURL is the REST base, e.g. "http://127.0.0.1:8088/ari".
	BaseURL  string
	Username string
	Password string
	App      string
}

// Client is a connected PBX-CTL session: an event-stream WebSocket plus an
// authenticated REST client for the same host.
type Client struct {
	cfg    Config
	logger *slog.Logger

	httpClient *http.Client

	mu        sync.Mutex
	useDigest bool
	digest    *http.Client

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient constructs a Client. Start must be called before events flow.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		logger:     logger.With("component", "pbxctl"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan Event, 64),
	}
}

// Events returns the channel events are delivered on. It is closed when Stop
// completes.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the event-stream WebSocket is currently up.
// Satisfies the health package's PBXStatusProvider interface.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Start dials the event stream and, once connected, returns. A background
// goroutine keeps the stream alive, reconnecting with backoff on drops.
func (c *Client) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("pbxctl: initial connect: %w", err)
	}

	c.wg.Add(1)
	go c.supervise(ctx)
	return nil
}

// Stop tears down the event stream and stops the supervisor goroutine.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
	close(c.events)
}

func (c *Client) connect(ctx context.Context) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	c.logger.Info("pbxctl event stream connected", "app", c.cfg.App)
	return nil
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.cfg.App)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// supervise runs the read loop and reconnects (bounded, with backoff) when
// it exits due to a transport error rather than context cancellation.
func (c *Client) supervise(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.readLoop(ctx)
		if ctx.Err() != nil {
			c.connected.Store(false)
			return
		}
		c.connected.Store(false)
		c.logger.Warn("pbxctl event stream dropped, reconnecting")

		policy := retry.Policy{MaxRetries: 3, Spacing: time.Second}
		err := policy.Run(ctx, func() bool { return ctx.Err() == nil }, func(n int) error {
			return c.connect(ctx)
		})
		if err != nil {
			c.logger.Error("pbxctl reconnect exhausted, giving up", "error", err)
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("pbxctl event stream read error", "error", err)
			}
			return
		}

		ev, err := decodeEvent(raw)
		if err != nil {
			c.logger.Warn("pbxctl event decode failed", "error", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
