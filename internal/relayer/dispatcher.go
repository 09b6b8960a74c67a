package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/internal/registry"
	"github.com/Klingon-tech/klingdex-relay/internal/storage"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// OrderStore is the part of the order ledger the dispatcher needs.
type OrderStore interface {
	PutOrder(order *storage.OrderRecord) error
	GetOrder(orderHash string) (*storage.OrderRecord, error)
}

// Dispatcher handles every inbound frame and drives the tracker. It holds no
// state of its own beyond its collaborators.
type Dispatcher struct {
	registry *registry.Registry
	tracker  *tracker.Tracker
	store    OrderStore
	clock    clock.Clock
	log      *logging.Logger

	// kick nudges the re-dispatcher; nil when re-dispatch is off.
	kick func()
	// evmChains decides which side of a created order is the Move party.
	evmChains mapset.Set[uint64]
	// reassigned holds orders the re-dispatcher gave to a resolver that no
	// caller has been told about yet.
	reassigned mapset.Set[string]
}

// NewDispatcher wires a dispatcher and subscribes it to resolver removals.
func NewDispatcher(reg *registry.Registry, tr *tracker.Tracker, store OrderStore, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	d := &Dispatcher{
		registry: reg,
		tracker:  tr,
		store:    store,
		clock:    clk,
		log:      logging.GetDefault().Component("dispatcher"),

		reassigned: mapset.NewSet[string](),
	}
	reg.OnResolverRemoved(d.handleResolverGone)
	return d
}

// SetEVMChains sets the chain ids treated as EVM chains by create_order.
func (d *Dispatcher) SetEVMChains(ids ...uint64) {
	d.evmChains = mapset.NewSet(ids...)
}

// HandleMessage processes one frame from connID. Every failure is turned
// into an error frame for that connection; nothing here panics through.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID string, data []byte) {
	d.registry.Touch(connID)

	msg, err := protocol.Parse(data)
	if err != nil {
		d.log.Warn("Malformed frame", "conn", connID, "error", err)
		d.sendError(connID, "", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler panic", "conn", connID, "method", msg.Method, "panic", r, "stack", string(debug.Stack()))
			d.sendError(connID, msg.ID, fmt.Errorf("%w: %v", protocol.ErrInternal, r))
		}
	}()

	d.log.Debug("Received", "conn", connID, "method", msg.Method, "id", msg.ID)

	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		d.sendError(connID, msg.ID, err)
		return
	}

	result, err := d.handle(ctx, connID, msg.ID, req)
	if err != nil {
		d.log.Debug("Request failed", "conn", connID, "method", msg.Method, "error", err)
		d.sendError(connID, msg.ID, err)
		return
	}
	if result == nil {
		return
	}

	reply, err := protocol.NewResult(msg.ID, protocol.ReplyMethod(msg.Method), result)
	if err != nil {
		d.sendError(connID, msg.ID, fmt.Errorf("%w: %v", protocol.ErrInternal, err))
		return
	}
	if err := d.registry.Send(connID, reply); err != nil {
		d.log.Debug("Reply not delivered", "conn", connID, "method", reply.Method, "error", err)
	}
}

// handle returns the reply payload, or nil for commands that are not
// answered.
func (d *Dispatcher) handle(ctx context.Context, connID, id string, req protocol.Request) (interface{}, error) {
	switch r := req.(type) {
	case *protocol.Ping:
		return protocol.Pong{Timestamp: d.now()}, nil
	case *protocol.RegisterAsResolver:
		return d.registerResolver(connID, r)
	case *protocol.ResolverHeartbeat:
		d.registry.RecordHeartbeat(connID, r.ActiveOrders, r.Load)
		return protocol.HeartbeatAck{Timestamp: d.now()}, nil
	case *protocol.FillOrder:
		return d.fillOrder(r)
	case *protocol.OrderStatusUpdate:
		return d.statusUpdate(connID, id, r)
	case *protocol.SubscribeOrders:
		return d.subscribe(connID, r)
	case *protocol.GetActiveOrders:
		return d.activeOrders(), nil
	case *protocol.GetQuote:
		return quote(r, d.now())
	case *protocol.CreateOrder:
		return d.createOrder(r)
	case *protocol.GetAllowedMethods:
		return protocol.AllowedMethods{Methods: protocol.InboundMethods}, nil
	default:
		// resolve_order only ever flows from the relayer to a resolver.
		return nil, &protocol.UnknownMethodError{Method: req.Method()}
	}
}

func (d *Dispatcher) registerResolver(connID string, r *protocol.RegisterAsResolver) (interface{}, error) {
	if !d.registry.MarkAsResolver(connID, r.ResolverID, r.Capabilities) {
		return nil, fmt.Errorf("%w: %s", registry.ErrConnectionGone, connID)
	}
	d.nudge()
	return protocol.ResolverRegistered{Status: "success", ResolverID: connID}, nil
}

func (d *Dispatcher) subscribe(connID string, r *protocol.SubscribeOrders) (interface{}, error) {
	conn, ok := d.registry.Get(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrConnectionGone, connID)
	}
	topics := r.Topics
	if len(topics) == 0 {
		topics = []string{protocol.TopicOrders}
	}
	return protocol.Subscribed{Subscribed: conn.Subscribe(topics...)}, nil
}

// fillOrder records a fill attempt and hands it to a resolver. The caller
// always gets an acknowledgment or an error.
func (d *Dispatcher) fillOrder(r *protocol.FillOrder) (interface{}, error) {
	assignment, err := d.assignmentFor(r)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(protocol.ResolveOrder{Assignment: assignment})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInternal, err)
	}

	if _, err := d.tracker.Begin(r.OrderHash, raw); err != nil {
		if ack, ok := d.reassignedAck(r.OrderHash, err); ok {
			return ack, nil
		}
		return nil, err
	}
	d.reassigned.Remove(r.OrderHash)
	resolverID, err := d.dispatch(r.OrderHash, raw)
	if err != nil {
		if errors.Is(err, registry.ErrNoResolverAvailable) {
			d.log.Warn("No resolver for order, left as created", "order", r.OrderHash)
		}
		return nil, err
	}

	return protocol.FillAccepted{
		OrderHash:  r.OrderHash,
		Status:     protocol.StatusAssignedToResolver,
		ResolverID: resolverID,
	}, nil
}

// reassignedAck answers a re-submitted fill for an order the re-dispatcher
// already handed to a live resolver with that assignment. Only the first
// such fill is answered this way; later ones are duplicates as usual.
func (d *Dispatcher) reassignedAck(orderHash string, err error) (protocol.FillAccepted, bool) {
	if !errors.Is(err, tracker.ErrDuplicateExecution) || !d.reassigned.Contains(orderHash) {
		return protocol.FillAccepted{}, false
	}
	exec, ok := d.tracker.Get(orderHash)
	if !ok || exec.Status.Terminal() || exec.AssignedResolver == "" {
		return protocol.FillAccepted{}, false
	}
	d.reassigned.Remove(orderHash)
	d.log.Info("Fill re-submitted after re-dispatch", "order", orderHash, "resolver", exec.AssignedResolver)
	return protocol.FillAccepted{
		OrderHash:  orderHash,
		Status:     protocol.StatusAssignedToResolver,
		ResolverID: exec.AssignedResolver,
	}, true
}

// assignmentFor builds the resolve_order body. A full payload is stored in
// the ledger first; a bare hash must already be there.
func (d *Dispatcher) assignmentFor(r *protocol.FillOrder) (protocol.Assignment, error) {
	a := r.Assignment

	if a.HasPayload() {
		payload, err := json.Marshal(a.Order)
		if err != nil {
			return a, fmt.Errorf("%w: %v", protocol.ErrInternal, err)
		}
		err = d.store.PutOrder(&storage.OrderRecord{
			OrderHash:   a.OrderHash,
			Payload:     payload,
			Signature:   a.Signature,
			Extension:   a.Extension,
			SrcChainID:  uint64(a.SrcChainID),
			DstChainID:  uint64(a.DstChainID),
			MoveAddress: a.MoveAddress,
			Origin:      storage.OriginFill,
			CreatedAt:   d.now(),
		})
		switch {
		case err == nil:
			return a, nil
		case !errors.Is(err, storage.ErrDuplicateOrder):
			return a, err
		}
		// Already in the ledger. The stored record wins.
	}

	rec, err := d.store.GetOrder(a.OrderHash)
	if err != nil {
		return a, err
	}
	var order protocol.OrderPayload
	if err := json.Unmarshal(rec.Payload, &order); err != nil {
		return a, fmt.Errorf("%w: stored order %s: %v", protocol.ErrInternal, a.OrderHash, err)
	}
	a.Order = &order
	a.Signature = rec.Signature
	a.Extension = rec.Extension
	a.SrcChainID = protocol.ChainID(rec.SrcChainID)
	a.DstChainID = protocol.ChainID(rec.DstChainID)
	if rec.MoveAddress != "" {
		a.MoveAddress = rec.MoveAddress
	}
	return a, nil
}

// dispatch assigns a claimed execution to the first available resolver and
// sends it the resolve_order command. A resolver that cannot be written to
// is dropped by the registry and the next one is tried. The claim taken by
// Begin is always released on return.
func (d *Dispatcher) dispatch(orderHash string, assignment json.RawMessage) (string, error) {
	for {
		resolverID, err := d.registry.AvailableResolver()
		if err != nil {
			d.tracker.Abandon(orderHash)
			return "", err
		}
		if _, err := d.tracker.Assign(orderHash, resolverID); err != nil {
			d.tracker.Abandon(orderHash)
			return "", err
		}

		cmd := &protocol.Message{Method: protocol.MethodResolveOrder, Params: assignment}
		if err := d.registry.Send(resolverID, cmd); err != nil {
			d.log.Warn("Assignment not delivered, trying next resolver", "order", orderHash, "resolver", resolverID, "error", err)
			d.tracker.Release(orderHash, resolverID)
			if _, err := d.tracker.Begin(orderHash, nil); err != nil {
				// Someone else picked it up in the meantime.
				return "", err
			}
			continue
		}

		d.log.Info("Order assigned", "order", orderHash, "resolver", resolverID)
		return resolverID, nil
	}
}

// statusUpdate applies a resolver's progress report and broadcasts it.
// Reports are only answered when they carry a request id.
func (d *Dispatcher) statusUpdate(connID, id string, u *protocol.OrderStatusUpdate) (interface{}, error) {
	if conn, ok := d.registry.Get(connID); !ok || !conn.IsResolver() {
		return nil, fmt.Errorf("%w: %s is not a resolver", tracker.ErrNotAssigned, connID)
	}
	exec, applied, err := d.tracker.ApplyUpdate(u.OrderHash, connID, tracker.Update{
		Status:      tracker.Status(u.Status),
		Progress:    u.Progress,
		TxHashes:    u.TxHashes,
		Error:       u.Error,
		MoveOrderID: u.MoveOrderID,
	})
	if err != nil {
		d.log.Warn("Rejected status update", "conn", connID, "order", u.OrderHash, "status", u.Status, "error", err)
		return nil, err
	}

	if applied {
		d.log.Info("Order status", "order", exec.OrderHash, "status", exec.Status, "progress", exec.Progress)
		event := protocol.EventOrderProcessing
		switch exec.Status {
		case tracker.StatusCompleted:
			event = protocol.EventOrderFilled
		case tracker.StatusCancelled:
			event = protocol.EventOrderCancelled
		}
		if exec.Status.Terminal() {
			d.reassigned.Remove(exec.OrderHash)
		}
		d.broadcastExecution(event, exec)
	}

	if id == "" {
		return nil, nil
	}
	return d.activeOrder(exec), nil
}

// handleResolverGone runs after a resolver connection leaves the registry.
func (d *Dispatcher) handleResolverGone(resolverID string) {
	reset := d.tracker.ReassignOnDisconnect(resolverID)
	if len(reset) == 0 {
		return
	}
	d.log.Warn("Resolver lost with orders in flight", "resolver", resolverID, "orders", len(reset))
	for _, hash := range reset {
		d.reassigned.Remove(hash)
		if exec, ok := d.tracker.Get(hash); ok {
			d.broadcastExecution(protocol.EventOrderProcessing, exec)
		}
	}
	d.nudge()
}

// RedispatchPending hands every created, unassigned execution with a known
// assignment to a resolver. It stops at the first order no resolver can
// take. It returns the number of orders assigned.
func (d *Dispatcher) RedispatchPending() int {
	assigned := 0
	for _, exec := range d.tracker.Unassigned() {
		if len(exec.Assignment) == 0 {
			continue
		}
		if _, err := d.tracker.Begin(exec.OrderHash, nil); err != nil {
			continue
		}
		d.reassigned.Add(exec.OrderHash)
		if _, err := d.dispatch(exec.OrderHash, exec.Assignment); err != nil {
			d.reassigned.Remove(exec.OrderHash)
			if errors.Is(err, registry.ErrNoResolverAvailable) {
				return assigned
			}
			d.log.Warn("Re-dispatch failed", "order", exec.OrderHash, "error", err)
			continue
		}
		assigned++
		if cur, ok := d.tracker.Get(exec.OrderHash); ok {
			d.broadcastExecution(protocol.EventOrderProcessing, cur)
		}
	}
	if assigned > 0 {
		d.log.Info("Re-dispatched orders", "count", assigned)
	}
	return assigned
}

func (d *Dispatcher) activeOrders() protocol.ActiveOrders {
	active := d.tracker.Active()
	out := protocol.ActiveOrders{Orders: make([]protocol.ActiveOrder, 0, len(active))}
	for _, exec := range active {
		out.Orders = append(out.Orders, d.activeOrder(exec))
	}
	out.Total = len(out.Orders)
	return out
}

func (d *Dispatcher) activeOrder(exec tracker.Execution) protocol.ActiveOrder {
	src, dst := d.chainsOf(exec.OrderHash)
	return protocol.ActiveOrder{
		OrderHash:        exec.OrderHash,
		Status:           string(exec.Status),
		SrcChainID:       src,
		DstChainID:       dst,
		CreatedAt:        exec.StartedAt,
		Progress:         exec.Progress,
		AssignedResolver: exec.AssignedResolver,
	}
}

func (d *Dispatcher) broadcastExecution(event protocol.EventType, exec tracker.Execution) {
	src, dst := d.chainsOf(exec.OrderHash)
	d.broadcast(protocol.OrderEvent{
		Event: event,
		Data: protocol.OrderEventData{
			OrderHash:  exec.OrderHash,
			SrcChainID: src,
			DstChainID: dst,
			Status:     string(exec.Status),
			Progress:   exec.Progress,
			TxHashes:   exec.TxHashes,
			Error:      exec.Error,
			Timestamp:  d.now(),
		},
	})
}

func (d *Dispatcher) broadcast(ev protocol.OrderEvent) {
	msg, err := protocol.NewResult("", protocol.MethodOrderEvent, ev)
	if err != nil {
		d.log.Error("Failed to encode order event", "order", ev.Data.OrderHash, "error", err)
		return
	}
	n := d.registry.Broadcast(protocol.TopicOrders, msg)
	d.log.Debug("Broadcast order event", "event", ev.Event, "order", ev.Data.OrderHash, "delivered", n)
}

func (d *Dispatcher) chainsOf(orderHash string) (protocol.ChainID, protocol.ChainID) {
	rec, err := d.store.GetOrder(orderHash)
	if err != nil {
		return 0, 0
	}
	return protocol.ChainID(rec.SrcChainID), protocol.ChainID(rec.DstChainID)
}

func (d *Dispatcher) sendError(connID, id string, err error) {
	msg := protocol.NewError(id, codeFor(err), err.Error())
	msg.Error.Timestamp = d.now()
	if sendErr := d.registry.Send(connID, msg); sendErr != nil {
		d.log.Debug("Error reply not delivered", "conn", connID, "error", sendErr)
	}
}

func (d *Dispatcher) nudge() {
	if d.kick != nil {
		d.kick()
	}
}

func (d *Dispatcher) now() time.Time {
	return d.clock.Now().UTC()
}

// codeFor maps package errors onto wire codes.
func codeFor(err error) protocol.Code {
	switch {
	case errors.Is(err, storage.ErrOrderNotFound), errors.Is(err, tracker.ErrExecutionNotFound):
		return protocol.CodeOrderNotFound
	case errors.Is(err, storage.ErrDuplicateOrder):
		return protocol.CodeDuplicateOrder
	case errors.Is(err, tracker.ErrDuplicateExecution):
		return protocol.CodeDuplicateExecution
	case errors.Is(err, tracker.ErrNotAssigned), errors.Is(err, tracker.ErrAlreadyAssigned), errors.Is(err, tracker.ErrTerminal):
		return protocol.CodeValidation
	case errors.Is(err, registry.ErrNoResolverAvailable):
		return protocol.CodeNoResolverAvailable
	case errors.Is(err, registry.ErrConnectionGone):
		return protocol.CodeTransport
	}
	return protocol.CodeOf(err)
}
