package rateio

import "net"

// conn throttles the read side of a network connection. Writes pass
// through: the commands a mail client sends are tiny, the downloads are not.
type conn struct {
	net.Conn
	reader *Reader
}

// WrapConn throttles reads on a connection to bytesPerSec. The connection
// is returned unchanged when the rate is zero or negative.
func WrapConn(c net.Conn, bytesPerSec float64, burst int) net.Conn {
	if bytesPerSec <= 0 {
		return c
	}
	return &conn{
		Conn:   c,
		reader: NewReader(c, bytesPerSec, burst),
	}
}

func (c *conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
