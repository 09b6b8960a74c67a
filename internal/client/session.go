package client

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// State is a position in the reconnect state machine.
//
//	disconnected -> connecting -> connected
//	      ^             |             |
//	      |             v             |
//	      +-------- backoff <---------+
type State int

const (
	StateDisconnected State = iota
	StateBackoff
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBackoff:
		return "backoff"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SessionConfig configures reconnect behavior.
type SessionConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clock.Clock
}

// DefaultSessionConfig returns the default reconnect configuration.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Session keeps a client linked to the relayer, redialing with exponential
// backoff whenever the link drops.
type Session struct {
	cfg    *SessionConfig
	clock  clock.Clock
	client *Client
	dialer Dialer
	log    *logging.Logger

	mu        sync.Mutex
	state     State
	watchers  []func(State)
	onConnect []func(ctx context.Context)
}

// NewSession creates a session. Nothing happens until Run.
func NewSession(c *Client, d Dialer, cfg *SessionConfig) *Session {
	if cfg == nil {
		cfg = DefaultSessionConfig()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		cfg:    cfg,
		clock:  clk,
		client: c,
		dialer: d,
		log:    logging.GetDefault().Component("link"),
	}
}

// OnStateChange registers a callback for every transition. Callbacks run on
// the session goroutine and must not block.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// OnConnected registers a hook run in its own goroutine after every
// successful dial. Its context ends when that link drops.
func (s *Session) OnConnected(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the state machine until ctx ends.
func (s *Session) Run(ctx context.Context) {
	backoff := s.cfg.InitialBackoff

	for {
		s.setState(StateConnecting)
		link, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return
			}
			s.log.Warn("Dial failed", "error", err, "retryIn", backoff)
			if !s.wait(ctx, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		backoff = s.cfg.InitialBackoff
		s.mu.Lock()
		hooks := append([]func(context.Context){}, s.onConnect...)
		s.mu.Unlock()

		linkCtx, cancel := context.WithCancel(ctx)
		s.client.Attach(link)
		s.setState(StateConnected)
		s.log.Info("Connected to relayer")
		for _, hook := range hooks {
			go hook(linkCtx)
		}

		err = s.client.Serve(linkCtx, link)
		cancel()
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("Link dropped", "error", err, "retryIn", backoff)
		if !s.wait(ctx, backoff) {
			return
		}
	}
}

// wait sits in backoff for d. It returns false if ctx ended first.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	timer := s.clock.Timer(d)
	defer timer.Stop()

	s.setState(StateBackoff)

	select {
	case <-ctx.Done():
		s.setState(StateDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	watchers := append([]func(State){}, s.watchers...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(state)
	}
}
