// Package registry tracks every live connection to the relayer and which of
// them act as resolvers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// Registry errors
var (
	ErrNoResolverAvailable = errors.New("no resolver available")
	ErrConnectionGone      = errors.New("connection gone")
)

// DefaultSweepInterval is how often every connection is pinged.
const DefaultSweepInterval = 30 * time.Second

// Config configures a Registry.
type Config struct {
	// SweepInterval is the liveness sweep period.
	SweepInterval time.Duration
	// StaleAfter removes connections that have not been seen for this long.
	// Zero means two sweep intervals.
	StaleAfter time.Duration
	Clock      clock.Clock
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() *Config {
	return &Config{SweepInterval: DefaultSweepInterval}
}

// Counts summarizes the registry for health reporting.
type Counts struct {
	Connected          int `json:"connectedClients"`
	Resolvers          int `json:"resolvers"`
	AvailableResolvers int `json:"availableResolvers"`
}

// Registry owns all connection state. The map itself is guarded by mu; each
// Connection guards its own attributes.
type Registry struct {
	cfg   *Config
	clock clock.Clock
	log   *logging.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	order []string

	handlersMu        sync.RWMutex
	onResolverRemoved []func(connID string)
}

// New creates a registry.
func New(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.SweepInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cfg:   cfg,
		clock: clk,
		log:   logging.GetDefault().Component("registry"),
		conns: make(map[string]*Connection),
	}
}

// OnResolverRemoved registers a callback invoked after a resolver connection
// leaves the registry. Callbacks run outside registry locks.
func (r *Registry) OnResolverRemoved(fn func(connID string)) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.onResolverRemoved = append(r.onResolverRemoved, fn)
}

// Register adds a connection and sends it the welcome message carrying its
// id. If the welcome cannot be sent the connection is dropped again.
func (r *Registry) Register(t Transport) (string, error) {
	id := uuid.New().String()
	now := r.clock.Now()
	conn := newConnection(id, t, now)

	r.mu.Lock()
	r.conns[id] = conn
	r.order = append(r.order, id)
	r.mu.Unlock()

	welcome, err := protocol.NewResult(protocol.WelcomeID, protocol.MethodConnectionEstablished, protocol.Welcome{
		ClientID:  id,
		Timestamp: now.UTC(),
	})
	if err != nil {
		r.Remove(id)
		return "", err
	}
	if err := r.Send(id, welcome); err != nil {
		return "", err
	}

	r.log.Info("Client connected", "conn", id)
	return id, nil
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// MarkAsResolver flags the connection as a resolver. It is idempotent and
// returns false when the connection is unknown.
func (r *Registry) MarkAsResolver(id, name string, capabilities []string) bool {
	conn, ok := r.Get(id)
	if !ok {
		return false
	}

	conn.mu.Lock()
	already := conn.isResolver
	conn.isResolver = true
	if name != "" {
		conn.resolverName = name
	}
	for _, c := range capabilities {
		conn.capabilities.Add(c)
	}
	conn.lastSeen = r.clock.Now()
	conn.mu.Unlock()

	if !already {
		r.log.Info("Resolver registered", "conn", id, "name", name, "capabilities", capabilities)
	}
	return true
}

// Touch records inbound traffic from the connection.
func (r *Registry) Touch(id string) {
	if conn, ok := r.Get(id); ok {
		conn.mu.Lock()
		conn.lastSeen = r.clock.Now()
		conn.mu.Unlock()
	}
}

// RecordHeartbeat stores a resolver's self-reported load.
func (r *Registry) RecordHeartbeat(id string, activeOrders []string, load int) bool {
	conn, ok := r.Get(id)
	if !ok {
		return false
	}
	conn.mu.Lock()
	conn.lastSeen = r.clock.Now()
	conn.activeOrders = append([]string(nil), activeOrders...)
	conn.load = load
	conn.mu.Unlock()
	return true
}

// AvailableResolver returns the first registered resolver whose transport is
// writable, in connection order.
func (r *Registry) AvailableResolver() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		conn := r.conns[id]
		if conn.IsResolver() && conn.transport.Open() {
			return id, nil
		}
	}
	return "", ErrNoResolverAvailable
}

// Remove deletes the connection and closes its transport. Removing a
// resolver notifies OnResolverRemoved callbacks.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	_ = conn.transport.Close()
	wasResolver := conn.IsResolver()
	r.log.Info("Client disconnected", "conn", id, "resolver", wasResolver)

	if wasResolver {
		r.handlersMu.RLock()
		handlers := append([]func(string){}, r.onResolverRemoved...)
		r.handlersMu.RUnlock()
		for _, fn := range handlers {
			fn(id)
		}
	}
}

// Send encodes and queues a message for one connection. A failed send
// removes the connection.
func (r *Registry) Send(id string, msg *protocol.Message) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionGone, id)
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Method, err)
	}
	if err := conn.transport.Send(data); err != nil {
		r.log.Warn("Send failed, dropping connection", "conn", id, "method", msg.Method, "error", err)
		r.Remove(id)
		return fmt.Errorf("%w: %s: %v", ErrConnectionGone, id, err)
	}
	return nil
}

// Broadcast sends msg to every connection that wants topic. Failures are
// logged and do not stop delivery to the others. It returns the number of
// connections the message was queued for.
func (r *Registry) Broadcast(topic string, msg *protocol.Message) int {
	data, err := msg.Encode()
	if err != nil {
		r.log.Error("Failed to encode broadcast", "method", msg.Method, "error", err)
		return 0
	}

	delivered := 0
	var failed []string
	for _, conn := range r.snapshot() {
		if !conn.Wants(topic) {
			continue
		}
		if err := conn.transport.Send(data); err != nil {
			r.log.Warn("Broadcast send failed", "conn", conn.id, "error", err)
			failed = append(failed, conn.id)
			continue
		}
		delivered++
	}
	for _, id := range failed {
		r.Remove(id)
	}
	return delivered
}

// Sweep pings every connection and removes the ones that are closed, fail
// the ping, or have been silent for longer than StaleAfter.
func (r *Registry) Sweep() {
	now := r.clock.Now()
	for _, conn := range r.snapshot() {
		switch {
		case !conn.transport.Open():
			r.log.Info("Removing inactive client", "conn", conn.id)
		case now.Sub(conn.lastSeenAt()) > r.cfg.StaleAfter:
			r.log.Info("Removing unresponsive client", "conn", conn.id, "lastSeen", conn.lastSeenAt())
		default:
			if err := conn.transport.Ping(); err != nil {
				r.log.Info("Ping failed, removing client", "conn", conn.id, "error", err)
			} else {
				continue
			}
		}
		r.Remove(conn.id)
	}
}

// RunLiveness runs Sweep every SweepInterval until ctx is done.
func (r *Registry) RunLiveness(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Counts returns connection and resolver totals.
func (r *Registry) Counts() Counts {
	var c Counts
	for _, conn := range r.snapshot() {
		c.Connected++
		if conn.IsResolver() {
			c.Resolvers++
			if conn.transport.Open() {
				c.AvailableResolvers++
			}
		}
	}
	return c
}

// Connections returns a snapshot of every connection.
func (r *Registry) Connections() []Info {
	conns := r.snapshot()
	out := make([]Info, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Info())
	}
	return out
}

// CloseAll removes every connection.
func (r *Registry) CloseAll() {
	for _, conn := range r.snapshot() {
		r.Remove(conn.id)
	}
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}
