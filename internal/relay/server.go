package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxInbox  = 1000
	DefaultRate      = 50
	defaultBurst     = 100
	serverReadLimit  = 16 << 20
	serverWriteLimit = 30 * time.Second
)

// Server is a reference relay: per-inbox FIFO queues held in memory, the
// oldest message dropped once an inbox is full.
type Server struct {
	maxInbox int
	limit    rate.Limit
	burst    int
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	inbox  map[string][]json.RawMessage
	connID atomic.Uint64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxInbox sets the per-inbox capacity.
func WithMaxInbox(n int) ServerOption {
	return func(s *Server) { s.maxInbox = n }
}

// WithRateLimit sets the per-connection request rate. A zero limit
// disables limiting.
func WithRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) { s.limit, s.burst = limit, burst }
}

// WithServerLogger sets a logger for connection and queue events.
func WithServerLogger(l *log.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer returns an empty relay.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		maxInbox: DefaultMaxInbox,
		limit:    DefaultRate,
		burst:    defaultBurst,
		now:      time.Now,
		inbox:    make(map[string][]json.RawMessage),
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxInbox <= 0 {
		s.maxInbox = DefaultMaxInbox
	}
	return s
}

// ServeHTTP upgrades the request and serves relay requests until the
// connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logf(s.logger, "relay: accept from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(serverReadLimit)

	id := s.connID.Add(1)
	logf(s.logger, "relay: #%d connected from %s", id, r.RemoteAddr)
	defer logf(s.logger, "relay: #%d closed", id)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if s.limit > 0 {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var resp *Response
		if !limiter.Allow() {
			resp = &Response{Err: errRateLimited}
		} else {
			resp = s.handle(id, data)
		}
		wctx, cancel := context.WithTimeout(ctx, serverWriteLimit)
		err = wsjson.Write(wctx, conn, resp)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(conn uint64, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &Response{Err: errBadJSON}
	}
	switch {
	case req.Type == TypePut && req.To != "" && len(req.Msg) > 0 && string(req.Msg) != "null":
		n := s.push(req.To, req.Msg)
		logf(s.logger, "relay: #%d put -> %q (inbox size=%d)", conn, req.To, n)
		return &Response{OK: true, Queued: &n}
	case req.Type == TypeGet && req.To != "":
		msgs := s.drain(req.To)
		remaining := 0
		logf(s.logger, "relay: #%d get <- %q (delivered %d)", conn, req.To, len(msgs))
		if msgs == nil {
			msgs = []json.RawMessage{}
		}
		return &Response{OK: true, Msgs: &msgs, Remaining: &remaining}
	case req.Type == TypePing:
		return &Response{OK: true, Pong: true, Time: s.now().UnixMilli()}
	default:
		return &Response{Err: errBadRequest}
	}
}

func (s *Server) push(to string, msg json.RawMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.inbox[to]
	if len(q) >= s.maxInbox {
		q = q[len(q)-s.maxInbox+1:]
	}
	q = append(q, msg)
	s.inbox[to] = q
	return len(q)
}

func (s *Server) drain(to string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.inbox[to]
	delete(s.inbox, to)
	return q
}

// Len returns the number of messages queued for to.
func (s *Server) Len(to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox[to])
}
