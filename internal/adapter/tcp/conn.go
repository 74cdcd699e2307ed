package tcp

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn wraps a TCP socket as a session.Conn. Writes are serialized so that
// responses and pushes from different goroutines never interleave.
type Conn struct {
	id           string
	netConn      net.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConn(netConn net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		netConn:      netConn,
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.netConn.RemoteAddr().String() }

func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.netConn.Write(frame)
	return err
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
	})
	return c.closeErr
}
