package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/klingdex-relay/internal/client"
	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// DefaultHeartbeatInterval is how often a connected resolver reports in.
const DefaultHeartbeatInterval = 30 * time.Second

// LinkConfig configures a Link.
type LinkConfig struct {
	ResolverID        string
	Capabilities      []string
	HeartbeatInterval time.Duration
	AssignmentBuffer  int
	Clock             clock.Clock
}

// Link ties an engine to the relayer. On every connect it registers as a
// resolver and starts a heartbeat; assignments flow to the engine and
// status updates flow back as notifications.
type Link struct {
	cfg     *LinkConfig
	clock   clock.Clock
	client  *client.Client
	session *client.Session
	engine  *Engine
	log     *logging.Logger

	mu         sync.Mutex
	registered bool
	connID     string
	lastAck    time.Time
}

// NewLink wires client, session and engine together.
func NewLink(c *client.Client, s *client.Session, engine *Engine, cfg *LinkConfig) *Link {
	if cfg == nil {
		cfg = &LinkConfig{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{string(DirectionEVMToMove), string(DirectionMoveToEVM)}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	l := &Link{
		cfg:     cfg,
		clock:   clk,
		client:  c,
		session: s,
		engine:  engine,
		log:     logging.GetDefault().Component("link"),
	}
	engine.SetReporter(l)
	if s != nil {
		s.OnConnected(l.onConnected)
	}
	return l
}

// Run keeps the link up and feeds assignments to the engine until ctx ends.
func (l *Link) Run(ctx context.Context) {
	assignments := l.client.Assignments(l.cfg.AssignmentBuffer)
	defer assignments.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.engine.Run(ctx, assignments.C)
		// Assignments block the reader until taken; release it once nothing
		// takes them any more so the session can shut down.
		assignments.Unsubscribe()
	}()

	l.session.Run(ctx)
	<-done
}

// Report sends a status update to the relayer.
func (l *Link) Report(u protocol.OrderStatusUpdate) error {
	return l.client.Notify(u)
}

// Registered reports whether the relayer acknowledged the current link.
func (l *Link) Registered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered
}

// ConnectionID returns the id the relayer assigned to this resolver.
func (l *Link) ConnectionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connID
}

// LastHeartbeat returns the relayer's timestamp on the latest heartbeat ack.
func (l *Link) LastHeartbeat() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAck
}

// State returns the reconnect state.
func (l *Link) State() client.State {
	if l.session == nil {
		if l.client.Connected() {
			return client.StateConnected
		}
		return client.StateDisconnected
	}
	return l.session.State()
}

// onConnected runs for the lifetime of one link.
func (l *Link) onConnected(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.registered = false
		l.connID = ""
		l.mu.Unlock()
	}()

	if err := l.Register(ctx); err != nil {
		l.log.Error("Registration failed", "error", err)
		return
	}
	l.heartbeatLoop(ctx)
}

// Register announces this process as a resolver.
func (l *Link) Register(ctx context.Context) error {
	var ack protocol.ResolverRegistered
	err := l.client.Call(ctx, protocol.RegisterAsResolver{
		ResolverID:   l.cfg.ResolverID,
		Capabilities: l.cfg.Capabilities,
	}, &ack)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.registered = true
	l.connID = ack.ResolverID
	l.mu.Unlock()
	l.log.Info("Registered as resolver", "resolver", l.cfg.ResolverID, "conn", ack.ResolverID)
	return nil
}

// Heartbeat sends one resolver_heartbeat and waits for the ack.
func (l *Link) Heartbeat(ctx context.Context) error {
	active := l.engine.Active()
	if active == nil {
		active = []string{}
	}
	var ack protocol.HeartbeatAck
	err := l.client.Call(ctx, protocol.ResolverHeartbeat{
		ResolverID:   l.cfg.ResolverID,
		Timestamp:    l.clock.Now(),
		ActiveOrders: active,
		Load:         len(active),
	}, &ack)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.lastAck = ack.Timestamp
	l.mu.Unlock()
	l.log.Debug("Heartbeat acknowledged", "active", len(active))
	return nil
}

func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := l.clock.Ticker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}
