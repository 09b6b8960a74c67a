package client

import (
	"encoding/json"
	"sync"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
)

// DefaultSubscriptionBuffer is used when Subscribe is given a non-positive
// buffer size.
const DefaultSubscriptionBuffer = 64

type subscriber struct {
	deliver func(*protocol.Message)
	close   func()
}

// Subscription is a typed stream of events for one method. Events that do
// not fit in the buffer are dropped unless the subscription is blocking.
type Subscription[T any] struct {
	C <-chan T

	client *Client
	method protocol.Method
	sub    *subscriber
	// stop releases a blocked delivery so Unsubscribe can take the lock.
	stop     chan struct{}
	stopOnce sync.Once
}

// Subscribe registers a typed subscription for events with the given method.
// The payload is decoded from params when present, otherwise from result.
// A full buffer drops the event; the reader is never blocked on a slow
// consumer.
func Subscribe[T any](c *Client, method protocol.Method, buffer int) *Subscription[T] {
	return subscribe[T](c, method, buffer, false)
}

// SubscribeBlocking is like Subscribe, but a full buffer holds up the reader
// until the consumer catches up or unsubscribes. Use it for commands that
// must not be lost, never for broadcasts.
func SubscribeBlocking[T any](c *Client, method protocol.Method, buffer int) *Subscription[T] {
	return subscribe[T](c, method, buffer, true)
}

func subscribe[T any](c *Client, method protocol.Method, buffer int, block bool) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	ch := make(chan T, buffer)
	s := &Subscription[T]{C: ch, client: c, method: method, stop: make(chan struct{})}

	s.sub = &subscriber{
		deliver: func(msg *protocol.Message) {
			raw := msg.Params
			if len(raw) == 0 {
				raw = msg.Result
			}
			var v T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &v); err != nil {
					c.log.Warn("Dropping undecodable event", "method", method, "error", err)
					return
				}
			}
			if block {
				select {
				case ch <- v:
				case <-s.stop:
				}
				return
			}
			select {
			case ch <- v:
			default:
				c.log.Warn("Subscriber queue full, dropping event", "method", method)
			}
		},
		close: func() { close(ch) },
	}

	c.subsMu.Lock()
	c.subs[method] = append(c.subs[method], s.sub)
	c.subsMu.Unlock()
	return s
}

// Unsubscribe stops delivery and closes C.
func (s *Subscription[T]) Unsubscribe() {
	s.stopOnce.Do(func() { close(s.stop) })

	c := s.client
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subs := c.subs[s.method]
	for i, sub := range subs {
		if sub == s.sub {
			c.subs[s.method] = append(subs[:i], subs[i+1:]...)
			sub.close()
			return
		}
	}
}

// OrderEvents subscribes to order_event broadcasts.
func (c *Client) OrderEvents(buffer int) *Subscription[protocol.OrderEvent] {
	return Subscribe[protocol.OrderEvent](c, protocol.MethodOrderEvent, buffer)
}

// Assignments subscribes to resolve_order commands sent to a resolver. The
// relayer sends each assignment once, so none is ever dropped.
func (c *Client) Assignments(buffer int) *Subscription[protocol.ResolveOrder] {
	return SubscribeBlocking[protocol.ResolveOrder](c, protocol.MethodResolveOrder, buffer)
}

func (c *Client) dispatch(msg *protocol.Message) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	subs := c.subs[msg.Method]
	if len(subs) == 0 {
		c.log.Debug("Unhandled event", "method", msg.Method)
		return
	}
	for _, sub := range subs {
		sub.deliver(msg)
	}
}
