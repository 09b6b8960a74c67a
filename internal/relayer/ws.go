package relayer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var (
	errQueueFull  = errors.New("send queue full")
	errConnClosed = errors.New("connection closed")
)

const writeWait = 10 * time.Second

// wsConn adapts a WebSocket to registry.Transport. Outbound frames go
// through a buffered queue drained by writePump, so Send never blocks the
// caller on a slow peer.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	log  *logging.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSConn(conn *websocket.Conn, queue int, log *logging.Logger) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, queue),
		log:  log,
		done: make(chan struct{}),
	}
}

// Send queues a frame. A full queue is reported as an error so the registry
// can drop the peer.
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errQueueFull
	}
}

// Ping writes a transport-level ping. WriteControl may run concurrently
// with writePump.
func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Open reports whether the connection still accepts frames.
func (c *wsConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops the write pump, which then closes the socket.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

func (c *wsConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("WebSocket write error", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case message := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// readPump feeds inbound frames to the dispatcher until the socket fails.
func (c *wsConn) readPump(ctx context.Context, id string, readLimit int64, pongWait time.Duration, d *Dispatcher) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		d.registry.Touch(id)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("WebSocket read error", "conn", id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		d.HandleMessage(ctx, id, message)
	}
}
