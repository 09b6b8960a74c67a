package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Link is a connected, bidirectional frame stream.
type Link interface {
	Conn
	// Receive blocks until the next frame arrives or the link fails.
	Receive() ([]byte, error)
}

// Dialer opens links.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// WSDialer dials the relayer over WebSocket.
type WSDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context) (Link, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsLink{conn: conn}, nil
}

type wsLink struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (l *wsLink) Send(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *wsLink) Receive() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	return data, err
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

// Serve attaches link to the client and feeds it inbound frames until the
// link fails or ctx ends. The link is closed and the client detached on
// return.
func (c *Client) Serve(ctx context.Context, link Link) error {
	c.Attach(link)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			link.Close()
		case <-done:
		}
	}()

	var err error
	for {
		var data []byte
		data, err = link.Receive()
		if err != nil {
			break
		}
		c.HandleMessage(data)
	}

	link.Close()
	c.Detach(err)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Connect dials once and serves the link in the background. The returned
// stop function closes the link and waits for the reader to exit.
func (c *Client) Connect(ctx context.Context, d Dialer) (stop func(), err error) {
	link, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})
	c.Attach(link)
	go func() {
		defer close(finished)
		c.Serve(ctx, link)
	}()

	return func() {
		cancel()
		<-finished
	}, nil
}
