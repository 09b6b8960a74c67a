package registry

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Transport is the write side of a live peer link. Implementations must not
// block: Send enqueues or fails.
type Transport interface {
	Send(data []byte) error
	Ping() error
	Open() bool
	Close() error
}

// Connection is one live peer as seen by the registry.
type Connection struct {
	id          string
	transport   Transport
	connectedAt time.Time

	mu            sync.Mutex
	isResolver    bool
	resolverName  string
	capabilities  mapset.Set[string]
	subscriptions mapset.Set[string]
	lastSeen      time.Time
	activeOrders  []string
	load          int
}

// Info is a point-in-time copy of a connection's attributes.
type Info struct {
	ID            string    `json:"id"`
	IsResolver    bool      `json:"isResolver"`
	ResolverName  string    `json:"resolverName,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeen      time.Time `json:"lastSeen"`
	ActiveOrders  []string  `json:"activeOrders,omitempty"`
	Load          int       `json:"load"`
	Writable      bool      `json:"writable"`
}

func newConnection(id string, t Transport, now time.Time) *Connection {
	return &Connection{
		id:            id,
		transport:     t,
		connectedAt:   now,
		lastSeen:      now,
		capabilities:  mapset.NewThreadUnsafeSet[string](),
		subscriptions: mapset.NewThreadUnsafeSet[string](),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// IsResolver reports whether the connection registered as a resolver.
func (c *Connection) IsResolver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isResolver
}

// Subscribe adds topics and returns the resulting subscription set.
func (c *Connection) Subscribe(topics ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		c.subscriptions.Add(topic)
	}
	return sorted(c.subscriptions)
}

// Wants reports whether a broadcast on topic should reach this connection.
// A connection that never subscribed receives every broadcast.
func (c *Connection) Wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions.Cardinality() == 0 || c.subscriptions.Contains(topic)
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:            c.id,
		IsResolver:    c.isResolver,
		ResolverName:  c.resolverName,
		Capabilities:  sorted(c.capabilities),
		Subscriptions: sorted(c.subscriptions),
		ConnectedAt:   c.connectedAt,
		LastSeen:      c.lastSeen,
		ActiveOrders:  append([]string(nil), c.activeOrders...),
		Load:          c.load,
		Writable:      c.transport.Open(),
	}
}

func (c *Connection) lastSeenAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func sorted(set mapset.Set[string]) []string {
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
