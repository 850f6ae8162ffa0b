package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 10 * time.Second
	clientReadLimit          = 64 << 20
)

// Client is a relay connection. Requests are sent one at a time; a broken
// connection is redialed and the request retried once.
type Client struct {
	url     string
	headers http.Header
	logger  *log.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	mu     sync.Mutex // one request in flight; guards conn
	conn   *websocket.Conn
	closed atomic.Bool
	cancel context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithKeepAliveInterval sets the interval between pings. Zero disables
// keep-alive.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Client) { c.keepAliveInterval = d }
}

// WithKeepAliveTimeout bounds each keep-alive ping.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(c *Client) { c.keepAliveTimeout = d }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) { c.headers = h }
}

// WithLogger sets a logger for reconnects and keep-alive failures.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Dial connects to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:               url,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
	}
	for _, o := range opts {
		o(c)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	kaCtx, kaCancel := context.WithCancel(context.Background())
	c.cancel = kaCancel
	if c.keepAliveInterval > 0 {
		go c.keepAliveLoop(kaCtx)
	}
	return c, nil
}

// URL returns the relay address.
func (c *Client) URL() string { return c.url }

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.headers})
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(clientReadLimit)
	return conn, nil
}

// Put queues msg for inbox to and returns the inbox length.
func (c *Client) Put(ctx context.Context, to string, msg any) (int, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("relay: encode message: %w", err)
	}
	resp, err := c.roundTrip(ctx, &Request{Type: TypePut, To: to, Msg: raw})
	if err != nil {
		return 0, err
	}
	if resp.Queued == nil {
		return 0, nil
	}
	return *resp.Queued, nil
}

// Get drains inbox to. It returns the messages and how many remain queued.
func (c *Client) Get(ctx context.Context, to string) ([]json.RawMessage, int, error) {
	resp, err := c.roundTrip(ctx, &Request{Type: TypeGet, To: to})
	if err != nil {
		return nil, 0, err
	}
	remaining := 0
	if resp.Remaining != nil {
		remaining = *resp.Remaining
	}
	if resp.Msgs == nil {
		return nil, remaining, nil
	}
	return *resp.Msgs, remaining, nil
}

// Ping checks the connection and returns the relay's clock.
func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	resp, err := c.roundTrip(ctx, &Request{Type: TypePing})
	if err != nil {
		return time.Time{}, err
	}
	if !resp.Pong {
		return time.Time{}, fmt.Errorf("relay: ping: unexpected response")
	}
	return time.UnixMilli(resp.Time), nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if c.closed.Load() {
			return nil, errClosed
		}
		if c.conn == nil {
			conn, err := c.dial(ctx)
			if err != nil {
				return nil, fmt.Errorf("relay: reconnect: %w", err)
			}
			logf(c.logger, "relay: reconnected to %s", c.url)
			c.conn = conn
		}

		resp, err := exchange(ctx, c.conn, req)
		if err == nil {
			if !resp.OK {
				return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Err)
			}
			return resp, nil
		}
		// The connection is in an unknown state; drop it and retry on a
		// fresh one unless the caller gave up.
		c.conn.CloseNow()
		c.conn = nil
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("relay: %s: %w", req.Type, lastErr)
}

func exchange(ctx context.Context, conn *websocket.Conn, req *Request) (*Response, error) {
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, err
	}
	var resp Response
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close stops keep-alive and closes the connection. The client cannot be
// reused.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

func (c *Client) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, c.keepAliveTimeout)
			_, err := c.Ping(pingCtx)
			cancel()
			if err != nil && !c.closed.Load() {
				logf(c.logger, "relay: keep-alive to %s failed: %v", c.url, err)
			}
		}
	}
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
