package conn

import (
	"bufio"
	"errors"
	"net"
)

// CloseWrite half-closes c, or returns errors.ErrUnsupported when the
// transport has no write-only shutdown.
func CloseWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

// BufferedConn is a net.Conn whose first reads come from a bufio.Reader that
// already holds read-ahead bytes from Conn.
type BufferedConn struct {
	net.Conn
	Reader *bufio.Reader
}

func (c *BufferedConn) Read(p []byte) (int, error) {
	return c.Reader.Read(p)
}

// CloseWrite keeps half-close available through the wrapper.
func (c *BufferedConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}
