package client

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	sendErr error
	closed  bool
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) last() *protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func reply(t *testing.T, id string, method protocol.Method, result interface{}) []byte {
	t.Helper()
	msg, err := protocol.NewResult(id, method, result)
	if err != nil {
		t.Fatalf("NewResult() error = %v", err)
	}
	data, _ := msg.Encode()
	return data
}

func newTestClient() (*Client, *clock.Mock, *fakeConn) {
	clk := clock.NewMock()
	c := New(&Config{Timeout: 30 * time.Second, Clock: clk})
	conn := &fakeConn{}
	c.Attach(conn)
	return c, clk, conn
}

func TestRequestResolvesWithMatchingReply(t *testing.T) {
	c, _, conn := newTestClient()

	type res struct {
		fill protocol.FillAccepted
		err  error
	}
	done := make(chan res, 1)
	go func() {
		var fill protocol.FillAccepted
		err := c.Call(context.Background(), &protocol.FillOrder{Assignment: protocol.Assignment{OrderHash: "0xabc"}}, &fill)
		done <- res{fill, err}
	}()

	waitFor(t, "request sent", func() bool { return conn.last() != nil })
	sent := conn.last()
	if sent.ID != "req_1" || sent.Method != protocol.MethodFillOrder {
		t.Fatalf("sent = %+v", sent)
	}

	c.HandleMessage(reply(t, sent.ID, protocol.MethodFillOrderResponse, protocol.FillAccepted{
		OrderHash: "0xabc", Status: protocol.StatusAssignedToResolver, ResolverID: "r1",
	}))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Call() error = %v", r.err)
		}
		if r.fill.ResolverID != "r1" || r.fill.Status != protocol.StatusAssignedToResolver {
			t.Errorf("Call() result = %+v", r.fill)
		}
	case <-time.After(time.Second):
		t.Fatal("request never resolved")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after reply", c.Pending())
	}
}

func TestRequestRejectsOnErrorReply(t *testing.T) {
	c, _, conn := newTestClient()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), &protocol.FillOrder{Assignment: protocol.Assignment{OrderHash: "0xnope"}})
		errCh <- err
	}()
	waitFor(t, "request sent", func() bool { return conn.last() != nil })

	errMsg := protocol.NewError(conn.last().ID, protocol.CodeOrderNotFound, "order 0xnope not found")
	data, _ := errMsg.Encode()
	c.HandleMessage(data)

	select {
	case err := <-errCh:
		if !errors.Is(err, protocol.ErrOrderNotFound) {
			t.Errorf("Request() error = %v, want ErrOrderNotFound", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request never rejected")
	}
}

func TestRequestTimesOutAndDiscardsLateReply(t *testing.T) {
	c, clk, conn := newTestClient()
	pongs := Subscribe[protocol.Pong](c, protocol.MethodPong, 4)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), &protocol.Ping{})
		errCh <- err
	}()
	waitFor(t, "pending request", func() bool { return c.Pending() == 1 })

	clk.Add(29 * time.Second)
	select {
	case err := <-errCh:
		t.Fatalf("request ended early: %v", err)
	default:
	}

	clk.Add(time.Second)
	select {
	case err := <-errCh:
		if !IsTimeout(err) || !errors.Is(err, ErrTimeout) {
			t.Fatalf("Request() error = %v, want timeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not time out")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout", c.Pending())
	}

	c.HandleMessage(reply(t, conn.last().ID, protocol.MethodPong, protocol.Pong{}))
	select {
	case p := <-pongs.C:
		t.Errorf("late reply surfaced as event: %+v", p)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDetachFailsPendingRequests(t *testing.T) {
	c, _, _ := newTestClient()

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Request(context.Background(), &protocol.Ping{})
			errCh <- err
		}()
	}
	waitFor(t, "pending requests", func() bool { return c.Pending() == 2 })

	c.Detach(errors.New("eof"))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, protocol.ErrTransport) {
				t.Errorf("Request() error = %v, want transport error", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request not failed on detach")
		}
	}
	if c.Connected() {
		t.Error("Connected() = true after Detach")
	}
}

func TestRequestWithoutLink(t *testing.T) {
	c := New(nil)
	if _, err := c.Request(context.Background(), &protocol.Ping{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request() error = %v, want ErrNotConnected", err)
	}
	if err := c.Notify(&protocol.Ping{}); !errors.Is(err, protocol.ErrTransport) {
		t.Errorf("Notify() error = %v, want transport error", err)
	}
}

func TestRequestSendFailure(t *testing.T) {
	c, _, conn := newTestClient()
	conn.sendErr = errors.New("broken pipe")

	if _, err := c.Request(context.Background(), &protocol.Ping{}); !errors.Is(err, protocol.ErrTransport) {
		t.Errorf("Request() error = %v, want transport error", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after failed send", c.Pending())
	}
}

func TestRequestContextCancel(t *testing.T) {
	c, _, _ := newTestClient()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, &protocol.Ping{})
		errCh <- err
	}()
	waitFor(t, "pending request", func() bool { return c.Pending() == 1 })
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Request() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request ignored cancellation")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after cancel", c.Pending())
	}
}

func TestEventsDispatchedByMethod(t *testing.T) {
	c, _, _ := newTestClient()
	events := c.OrderEvents(4)
	assignments := c.Assignments(4)

	c.HandleMessage(reply(t, "", protocol.MethodOrderEvent, protocol.OrderEvent{
		Event: protocol.EventOrderFilled,
		Data:  protocol.OrderEventData{OrderHash: "0xabc", Status: "completed"},
	}))

	assign, _ := protocol.NewRequest("", &protocol.ResolveOrder{Assignment: protocol.Assignment{OrderHash: "0xdef"}})
	data, _ := assign.Encode()
	c.HandleMessage(data)

	select {
	case ev := <-events.C:
		if ev.Event != protocol.EventOrderFilled || ev.Data.OrderHash != "0xabc" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("order event not delivered")
	}
	select {
	case a := <-assignments.C:
		if a.OrderHash != "0xdef" {
			t.Errorf("assignment = %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("assignment not delivered")
	}

	// A reply id that was never issued is treated as an event.
	c.HandleMessage(reply(t, "unknown-id", protocol.MethodOrderEvent, protocol.OrderEvent{Event: protocol.EventOrderCreated}))
	select {
	case ev := <-events.C:
		if ev.Event != protocol.EventOrderCreated {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("unsolicited frame with unknown id not dispatched")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	c, _, _ := newTestClient()
	slow := c.OrderEvents(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			c.HandleMessage(reply(t, "", protocol.MethodOrderEvent, protocol.OrderEvent{Event: protocol.EventOrderFilled}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleMessage blocked on a full subscriber")
	}
	if got := len(slow.C); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}
}

func assignmentFrame(t *testing.T, hash string) []byte {
	t.Helper()
	msg, err := protocol.NewRequest("", &protocol.ResolveOrder{Assignment: protocol.Assignment{OrderHash: hash}})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	data, _ := msg.Encode()
	return data
}

func TestAssignmentsWaitForSlowConsumer(t *testing.T) {
	c, _, _ := newTestClient()
	assignments := c.Assignments(1)

	var frames [][]byte
	for i := 0; i < 3; i++ {
		frames = append(frames, assignmentFrame(t, "0x"+strconv.Itoa(i)))
	}
	done := make(chan struct{})
	go func() {
		for _, f := range frames {
			c.HandleMessage(f)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("assignments past the buffer were not held back")
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 3; i++ {
		select {
		case a := <-assignments.C:
			if want := "0x" + strconv.Itoa(i); a.OrderHash != want {
				t.Errorf("assignment %d = %s, want %s", i, a.OrderHash, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("assignment %d lost", i)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after the consumer caught up")
	}
}

func TestUnsubscribeReleasesBlockedReader(t *testing.T) {
	c, _, _ := newTestClient()
	assignments := c.Assignments(1)
	c.HandleMessage(assignmentFrame(t, "0x1"))

	second := assignmentFrame(t, "0x2")
	done := make(chan struct{})
	go func() {
		c.HandleMessage(second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	assignments.Unsubscribe()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after Unsubscribe")
	}
	// Double unsubscribe is harmless.
	assignments.Unsubscribe()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c, _, _ := newTestClient()
	sub := c.OrderEvents(1)
	sub.Unsubscribe()

	if _, ok := <-sub.C; ok {
		t.Error("channel still open after Unsubscribe")
	}
	// Delivery after unsubscribe must not panic.
	c.HandleMessage(reply(t, "", protocol.MethodOrderEvent, protocol.OrderEvent{}))
}

func TestWelcomeRecordsClientID(t *testing.T) {
	c, _, _ := newTestClient()
	c.HandleMessage(reply(t, protocol.WelcomeID, protocol.MethodConnectionEstablished, protocol.Welcome{ClientID: "conn-42"}))
	if got := c.ClientID(); got != "conn-42" {
		t.Errorf("ClientID() = %q", got)
	}
}
