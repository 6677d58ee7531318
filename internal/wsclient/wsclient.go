// Package wsclient is a reconnecting WebSocket consumer for the session
// event channel.
package wsclient

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"elisa/internal/logging"
)

const (
	baseBackoff    = time.Second
	maxBackoff     = 30 * time.Second
	maxDialRetries = 10
)

// ErrRetriesExhausted is returned after maxDialRetries consecutive failed
// connection attempts.
var ErrRetriesExhausted = errors.New("connection retries exhausted")

// Conn is the subset of a WebSocket connection the client needs.
type Conn interface {
	ReadJSON(v any) error
	Close() error
}

// Dialer opens one connection. Implemented by gorilla's dialer in
// production and by fakes in tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer adapts websocket.Dialer to the Dialer interface.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, resp, err := wd.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client consumes session events, reconnecting with exponential backoff
// when the connection drops.
type Client struct {
	url     string
	dialer  Dialer
	onEvent func(map[string]any)
	sleep   func(time.Duration)
}

// Option adjusts client behavior.
type Option func(*Client)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithSleep replaces the backoff sleep. Tests use this to run instantly.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// New builds a client for one session's event URL. onEvent receives every
// decoded frame.
func New(url string, onEvent func(map[string]any), opts ...Option) *Client {
	c := &Client{
		url:     url,
		dialer:  GorillaDialer{},
		onEvent: onEvent,
		sleep:   time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects and streams events until a terminal event arrives, the
// context is cancelled, or reconnection gives up. A successful connection
// resets the retry counter.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			failures++
			if failures >= maxDialRetries {
				return ErrRetriesExhausted
			}
			delay := backoffDelay(failures)
			logging.Warn("connect failed, retrying", "url", c.url, "attempt", failures, "delay", delay)
			c.sleep(delay)
			continue
		}

		terminal, frames, err := c.consume(ctx, conn)
		conn.Close()
		if terminal {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frames > 0 {
			failures = 0
			logging.Warn("connection lost, reconnecting", "url", c.url, "error", err)
			continue
		}
		// A connection that died without a single frame counts as a failed
		// attempt, otherwise an accept-then-drop server spins a hot loop.
		failures++
		if failures >= maxDialRetries {
			return ErrRetriesExhausted
		}
		c.sleep(backoffDelay(failures))
	}
}

// consume reads frames until the connection fails or a terminal event is
// seen, reporting how many frames were delivered.
func (c *Client) consume(ctx context.Context, conn Conn) (terminal bool, frames int, err error) {
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return false, frames, err
		}
		frames++
		if c.onEvent != nil {
			c.onEvent(frame)
		}
		if isTerminal(frame) {
			return true, frames, nil
		}
		if ctx.Err() != nil {
			return false, frames, ctx.Err()
		}
	}
}

// isTerminal reports whether the frame ends the session: session_complete,
// or an error with recoverable=false.
func isTerminal(frame map[string]any) bool {
	switch frame["type"] {
	case "session_complete":
		return true
	case "error":
		recoverable, ok := frame["recoverable"].(bool)
		return ok && !recoverable
	}
	return false
}

// backoffDelay doubles from one second per consecutive failure, capped at
// thirty seconds.
func backoffDelay(failures int) time.Duration {
	d := baseBackoff << (failures - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
