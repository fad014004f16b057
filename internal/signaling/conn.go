package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// wsConn owns one upgraded WebSocket. The reader goroutine lives in
// Server.serve; writeLoop is the only writer of data frames.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	pingInterval time.Duration

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	writerDone chan struct{}
}

func newWSConn(id string, conn *websocket.Conn, queue int, pingInterval time.Duration) *wsConn {
	return &wsConn{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, queue),
		pingInterval: pingInterval,
		closing:      make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

// enqueue never blocks. It fails once the connection is closing or when the
// send queue is full.
func (c *wsConn) enqueue(frame []byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// closeWith asks the writer to flush queued frames, send a close frame and
// close the socket. Only the first call has any effect.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

// fail sends an error frame followed by a close frame.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	_ = c.enqueue(errorFrame(code, message))
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()

	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-pings:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
