// Package link maintains the agent's persistent duplex channel to the
// router: dial, authenticate, heartbeat, dispatch inbound commands,
// and reconnect with exponential backoff when the channel drops.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/wire"
)

// pingInterval is how often the agent sends an application-level ping.
const pingInterval = 30 * time.Second

// Handler receives channel events. Connected fires after every
// successful handshake and is where pending work is replayed;
// HandleCommand fires once per inbound command frame.
type Handler interface {
	Connected(ctx context.Context)
	HandleCommand(ctx context.Context, f wire.Frame)
}

// Options configures a Client.
type Options struct {
	RouterURL   string // http(s) or ws(s) base URL
	MachineID   string
	APIKey      string
	PongTimeout time.Duration // channel is dead after this long without a pong

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Client is the agent side of the duplex channel.
type Client struct {
	opts    Options
	handler Handler
	log     *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	lastPong time.Time

	// dial is swappable for tests.
	dial func(ctx context.Context) (*websocket.Conn, error)
}

// New creates a client. The handler must be non-nil.
func New(opts Options, handler Handler) *Client {
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 90 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	c := &Client{
		opts:    opts,
		handler: handler,
		log:     logging.Component("link"),
	}
	c.dial = c.dialRouter
	return c
}

// Send writes a frame on the current connection. Errors when the
// channel is down; callers relying on durable state simply wait for
// the next Connected replay.
func (c *Client) Send(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Run connects and keeps reconnecting until the context is cancelled
// or the router rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	return c.run(ctx, newReconnectBackoff(c.opts.ReconnectInitial, c.opts.ReconnectMax), resetThreshold)
}

func (c *Client) run(ctx context.Context, bo backoff.BackOff, threshold time.Duration) error {
	for {
		start := time.Now()
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isUnauthorized(err) {
			c.log.Error("router rejected credentials", "error", err)
			return err
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}
		interval := bo.NextBackOff()
		c.log.Warn("disconnected from router, reconnecting", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// connectOnce runs a single connection lifetime: dial, notify the
// handler, pump pings, and read until the channel breaks.
func (c *Client) connectOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.lastPong = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.log.Info("connected to router", "machine_id", c.opts.MachineID)
	c.handler.Connected(ctx)

	go c.pingLoop(ctx, cancel)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("bad frame from router", "error", err)
			continue
		}
		switch f.Type {
		case wire.TypePong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		case wire.TypeCommand:
			c.handler.HandleCommand(ctx, f)
		case "":
			// Empty payload, skip.
		default:
			c.log.Warn("unhandled frame type", "type", f.Type)
		}
	}
}

// pingLoop sends pings and tears the connection down when pongs stop
// coming back. NAT mappings and half-open TCP connections die
// silently; the application-level heartbeat is what notices.
func (c *Client) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastPong)
			c.mu.Unlock()
			if silent > c.opts.PongTimeout {
				c.log.Warn("no pong from router, dropping connection", "silent", silent)
				cancel()
				return
			}
			if err := c.Send(ctx, wire.Ping()); err != nil {
				cancel()
				return
			}
		}
	}
}

func (c *Client) dialRouter(ctx context.Context) (*websocket.Conn, error) {
	u, err := duplexURL(c.opts.RouterURL, c.opts.MachineID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{wire.Subprotocol, wire.CredentialPrefix + c.opts.APIKey},
		HTTPHeader:   map[string][]string{"Authorization": {"Bearer " + c.opts.APIKey}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return nil, errUnauthorized
		}
		return nil, fmt.Errorf("dial router: %w", err)
	}
	return conn, nil
}

var errUnauthorized = fmt.Errorf("unauthorized")

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if err == errUnauthorized {
		return true
	}
	return websocket.CloseStatus(err) == wire.CloseUnauthorized
}

// duplexURL turns the configured router base URL into the ws endpoint
// for this machine.
func duplexURL(base, machineID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse router url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported router url scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	q := u.Query()
	q.Set("machine_id", machineID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
