package sprotocol

import (
	"bytes"
	"math"
)

func (c *Channel) readU32() (uint32, error) {
	if avail := c.buffered(); avail < 4 {
		if err := c.refill(4 - avail); err != nil {
			return 0, err
		}
	}
	v := c.opts.order.Uint32(c.in.buf[c.in.pos:])
	c.in.pos += 4
	return v, nil
}

func (c *Channel) readF32() (float32, error) {
	v, err := c.readU32()
	return math.Float32frombits(v), err
}

// tryReadTag returns ok == false when the input cache is empty and one
// read from the descriptor reports end of stream. Once a byte is present
// it blocks until the whole tag is available.
func (c *Channel) tryReadTag() (Tag, bool, error) {
	if c.buffered() == 0 {
		if err := c.refill(0); err != nil {
			return 0, false, err
		}
		if c.buffered() == 0 {
			return 0, false, nil
		}
	}
	v, err := c.readU32()
	if err != nil {
		return 0, false, err
	}
	return Tag(v), true, nil
}

// readCString copies a zero-terminated field into the scratch buffer at
// off, terminator included. It returns the offset following the field.
func (c *Channel) readCString(off int) (int, error) {
	for {
		if c.buffered() == 0 {
			if err := c.refill(1); err != nil {
				return 0, err
			}
		}
		chunk := c.in.buf[c.in.pos:c.in.len]
		end := bytes.IndexByte(chunk, 0)
		n := len(chunk)
		if end >= 0 {
			n = end + 1
		}
		if err := c.growScratch(off + n); err != nil {
			return 0, err
		}
		copy(c.scratch.buf[off:], chunk[:n])
		c.in.pos += n
		off += n
		if end >= 0 {
			return off, nil
		}
	}
}

// readString reads a zero-terminated field into the scratch buffer at *off
// and returns an owned copy without the terminator.
func (c *Channel) readString(off *int) (string, error) {
	start := *off
	next, err := c.readCString(start)
	if err != nil {
		return "", err
	}
	*off = next
	return string(c.scratch.buf[start : next-1]), nil
}

// readBytes copies size bytes into the scratch buffer at off. Bytes already
// cached are copied first; the rest is read straight into the scratch
// buffer so a payload larger than the input cache never goes through it.
func (c *Channel) readBytes(off, size int) ([]byte, error) {
	if err := c.growScratch(off + size); err != nil {
		return nil, err
	}
	dst := c.scratch.buf[off : off+size]

	if size <= c.buffered() {
		c.in.pos += copy(dst, c.in.buf[c.in.pos:c.in.len])
		return dst, nil
	}

	n := copy(dst, c.in.buf[c.in.pos:c.in.len])
	c.in.pos, c.in.len = 0, 0
	if err := c.readFull(dst[n:]); err != nil {
		return nil, err
	}
	return dst, nil
}

func (c *Channel) writeU32(v uint32) error {
	var b [4]byte
	c.opts.order.PutUint32(b[:], v)
	return c.write(b[:])
}

func (c *Channel) writeF32(f float32) error {
	return c.writeU32(math.Float32bits(f))
}

// writeCString writes s followed by a zero byte.
func (c *Channel) writeCString(s string) error {
	if err := c.write([]byte(s)); err != nil {
		return err
	}
	return c.write([]byte{0})
}
