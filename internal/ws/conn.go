package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 128
)

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("connection buffer exceeded")
)

// transport is the subset of *websocket.Conn used for writing.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live client connection. Writes go through a buffered queue drained by a
// single write loop so a slow client cannot block broadcasters.
type Conn struct {
	ID     string
	UserID int
	Info   ConnInfo

	ws      transport
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	onClose func(c *Conn, reason string)

	mu       sync.Mutex
	orphaned []int
}

func newConn(info ConnInfo, ws transport) *Conn {
	return &Conn{
		ID:     info.ConnID,
		UserID: info.UserID,
		Info:   info,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Conn) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A full queue closes the connection.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case <-c.done:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errBufferFull
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed and stops the write loop. The close frame and socket
// teardown happen on a separate goroutine, so Close never waits on a stalled writer.
// Subsequent calls do nothing.
func (c *Conn) Close(code int, reason string) {
	c.terminate(reason, websocket.FormatCloseMessage(code, reason))
}

// abort closes the socket without a close frame, used after a failed write.
func (c *Conn) abort(reason string) {
	c.terminate(reason, nil)
}

func (c *Conn) terminate(reason string, closeFrame []byte) {
	c.once.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose(c, reason)
		}
		go c.shutdown(closeFrame)
	})
}

// shutdown only uses WriteControl and Close, which may run alongside the write loop.
func (c *Conn) shutdown(closeFrame []byte) {
	if closeFrame != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(writeWait))
	}
	_ = c.ws.Close()
}

func (c *Conn) setOrphaned(conversations []int) {
	c.mu.Lock()
	c.orphaned = conversations
	c.mu.Unlock()
}

// takeOrphaned returns, once, the conversations the connection left when it was dropped.
func (c *Conn) takeOrphaned() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.orphaned
	c.orphaned = nil
	return left
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.abort(err.Error())
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.abort(err.Error())
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
