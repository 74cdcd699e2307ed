package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to session.Conn. One protocol frame
// travels per text message; the trailing newline is omitted.
type wsConn struct {
	id           string
	socket       *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(socket *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		socket:       socket,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) RemoteAddr() string { return c.socket.RemoteAddr().String() }

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	// Frames arrive newline-terminated from the codec; the websocket
	// message boundary replaces the delimiter.
	if n := len(frame); n > 0 && frame[n-1] == '\n' {
		frame = frame[:n-1]
	}
	return c.socket.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}
