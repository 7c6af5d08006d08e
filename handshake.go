package sprotocol

import "bytes"

// Handshake magic strings, 12 ASCII bytes without terminator.
const (
	ServerMagic = "TEXPRESSOS01"
	ClientMagic = "TEXPRESSOC01"
)

// Handshake performs the supervisor side of the exchange: it sends
// ServerMagic, then reads the peer's magic. It returns true only when the
// peer answered exactly ClientMagic. A mismatch or a peer closing early is
// reported as false with a nil error; only descriptor failures are errors.
func (c *Channel) Handshake() (bool, error) {
	if c.closed.Load() {
		return false, ErrChannelClosed
	}
	if err := c.writeAll([]byte(ServerMagic)); err != nil {
		return false, err
	}
	ok, err := c.expectMagic(ClientMagic)
	if err != nil || !ok {
		c.opts.logger.Warn("handshake rejected", "channel", c.opts.name)
	}
	return ok, err
}

// ClientHandshake performs the worker side: it reads ServerMagic and, if it
// matches, answers with ClientMagic.
func (c *Channel) ClientHandshake() (bool, error) {
	if c.closed.Load() {
		return false, ErrChannelClosed
	}
	ok, err := c.expectMagic(ServerMagic)
	if err != nil || !ok {
		return false, err
	}
	if err := c.writeAll([]byte(ClientMagic)); err != nil {
		return false, err
	}
	return true, nil
}

// expectMagic reads len(magic) bytes directly from the descriptor so that
// nothing following the magic is consumed.
func (c *Channel) expectMagic(magic string) (bool, error) {
	got := make([]byte, len(magic))
	for off := 0; off < len(got); {
		n, err := c.readSome(got[off:])
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		off += n
	}
	return bytes.Equal(got, []byte(magic)), nil
}
