// Package client implements request/response correlation over a message
// link to the relayer.
//
// Each outbound request gets a fresh id and a pending entry with a deadline.
// Exactly one of three things ends a pending entry: the matching reply, the
// deadline, or the link going away. Frames that do not answer a pending
// request are events and are fanned out to typed subscriptions by method.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// Client errors. They wrap the protocol sentinels so callers can test with
// either.
var (
	ErrTimeout      = fmt.Errorf("client: %w", protocol.ErrTimeout)
	ErrNotConnected = fmt.Errorf("client: not connected: %w", protocol.ErrTransport)
	ErrLinkClosed   = fmt.Errorf("client: link closed: %w", protocol.ErrTransport)
)

// DefaultTimeout bounds every request unless the config says otherwise.
const DefaultTimeout = 30 * time.Second

// Conn is the write side of a link.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Config configures a Client.
type Config struct {
	Timeout time.Duration
	// ExpiredMemory is how many timed-out request ids are remembered so
	// their late replies can be recognized and dropped.
	ExpiredMemory int
	Clock         clock.Clock
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{Timeout: DefaultTimeout, ExpiredMemory: 1024}
}

type outcome struct {
	msg *protocol.Message
	err error
}

type pendingRequest struct {
	method   protocol.Method
	created  time.Time
	deadline time.Time
	done     chan outcome
	timer    *clock.Timer
}

// Client correlates requests with replies.
type Client struct {
	cfg   *Config
	clock clock.Clock
	log   *logging.Logger

	seq atomic.Uint64

	mu       sync.Mutex
	conn     Conn
	clientID string
	pending  map[string]*pendingRequest
	expired  *lru.Cache[string, time.Time]

	subsMu sync.RWMutex
	subs   map[protocol.Method][]*subscriber
}

// New creates a client with no link attached.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ExpiredMemory <= 0 {
		cfg.ExpiredMemory = 1024
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	expired, _ := lru.New[string, time.Time](cfg.ExpiredMemory)

	return &Client{
		cfg:     cfg,
		clock:   clk,
		log:     logging.GetDefault().Component("client"),
		pending: make(map[string]*pendingRequest),
		expired: expired,
		subs:    make(map[protocol.Method][]*subscriber),
	}
}

// Attach sets the link used for outbound frames.
func (c *Client) Attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Detach drops the link and fails every pending request with a transport
// error. reason is logged.
func (c *Client) Detach(reason error) {
	c.mu.Lock()
	c.conn = nil
	c.clientID = ""
	failed := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, p := range failed {
		p.timer.Stop()
		p.done <- outcome{err: fmt.Errorf("%w: %s %s", ErrLinkClosed, p.method, id)}
	}
	if len(failed) > 0 {
		c.log.Warn("Link lost with requests in flight", "failed", len(failed), "reason", reason)
	}
}

// Connected reports whether a link is attached.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ClientID returns the id the relayer assigned in its welcome, if any.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request sends req and waits for its reply, the request timeout, or ctx.
// Error replies are returned as *protocol.RemoteError.
func (c *Client) Request(ctx context.Context, req protocol.Request) (*protocol.Message, error) {
	id := fmt.Sprintf("req_%d", c.seq.Add(1))
	msg, err := protocol.NewRequest(id, req)
	if err != nil {
		return nil, err
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	now := c.clock.Now()
	p := &pendingRequest{
		method:   req.Method(),
		created:  now,
		deadline: now.Add(c.cfg.Timeout),
		done:     make(chan outcome, 1),
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = p
	p.timer = c.clock.AfterFunc(c.cfg.Timeout, func() { c.expire(id) })
	c.mu.Unlock()

	if err := conn.Send(data); err != nil {
		if c.take(id) != nil {
			p.timer.Stop()
		}
		return nil, fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}

	select {
	case out := <-p.done:
		return out.msg, out.err
	case <-ctx.Done():
		if c.take(id) != nil {
			p.timer.Stop()
			return nil, ctx.Err()
		}
		// Lost the race: an outcome is already on its way.
		out := <-p.done
		return out.msg, out.err
	}
}

// Call is Request followed by decoding the reply's result into result.
func (c *Client) Call(ctx context.Context, req protocol.Request, result interface{}) error {
	reply, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return reply.DecodeResult(result)
}

// Notify sends a command that expects no reply.
func (c *Client) Notify(req protocol.Request) error {
	msg, err := protocol.NewRequest("", req)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

// HandleMessage processes one inbound frame.
func (c *Client) HandleMessage(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.log.Warn("Dropping malformed frame", "error", err)
		return
	}

	if msg.ID != "" {
		if p := c.take(msg.ID); p != nil {
			p.timer.Stop()
			if msg.Error != nil {
				p.done <- outcome{msg: msg, err: msg.Error.Err()}
			} else {
				p.done <- outcome{msg: msg}
			}
			return
		}
		if _, late := c.expired.Get(msg.ID); late {
			c.log.Debug("Discarding late reply", "id", msg.ID, "method", msg.Method)
			return
		}
	}

	if msg.Method == protocol.MethodConnectionEstablished {
		var welcome protocol.Welcome
		if err := msg.DecodeResult(&welcome); err == nil {
			c.mu.Lock()
			c.clientID = welcome.ClientID
			c.mu.Unlock()
		}
	}
	if msg.Method == protocol.MethodError && msg.Error != nil {
		c.log.Warn("Relayer reported error", "id", msg.ID, "error", msg.Error.Err())
	}

	c.dispatch(msg)
}

func (c *Client) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.expired.Add(id, c.clock.Now())
	c.log.Warn("Request timed out", "id", id, "method", p.method, "after", c.cfg.Timeout)
	p.done <- outcome{err: fmt.Errorf("%w: %s %s", ErrTimeout, p.method, id)}
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, protocol.ErrTimeout)
}
