package sprotocol

// scratch is the growable area holding the variable-length fields of the
// message being decoded or about to be encoded. Its capacity is always the
// initial size times a power of two, capped by limit.
type scratch struct {
	buf   []byte
	limit int
}

func newScratch(limit int) scratch {
	return scratch{buf: make([]byte, initialScratchSize), limit: limit}
}

// grow makes room for n bytes, doubling the capacity and keeping the bytes
// already written. It reports false when n is beyond the limit.
func (s *scratch) grow(n int) bool {
	if n <= len(s.buf) {
		return true
	}
	if n < 0 || n > s.limit {
		return false
	}
	size := len(s.buf)
	for size < n {
		size *= 2
	}
	if size > s.limit {
		size = s.limit
	}
	buf := make([]byte, size)
	copy(buf, s.buf)
	s.buf = buf
	return true
}

func (c *Channel) growScratch(n int) error {
	if !c.scratch.grow(n) {
		return c.fail(KindAlloc, "grow scratch", ErrScratchLimit)
	}
	return nil
}

// WriteBuffer returns a view of at least n bytes of the scratch buffer for
// the caller to fill before encoding an answer that carries it, such as
// ReadAnswer{Data: buf[:n]}. The view is only valid until the next call
// that decodes a message or acquires the buffer again.
func (c *Channel) WriteBuffer(n int) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	if err := c.growScratch(n); err != nil {
		return nil, err
	}
	return c.scratch.buf[:n], nil
}

// ScratchCap returns the current scratch buffer capacity.
func (c *Channel) ScratchCap() int {
	return len(c.scratch.buf)
}
