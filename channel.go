// Package sprotocol implements the framed message channel between a
// supervising process and a worker that routes its filesystem and rendering
// operations through the supervisor.
//
// A Channel owns one connected stream descriptor, a fixed-size input cache,
// a fixed-size output cache and a growable scratch buffer. It speaks a
// closed binary protocol with three message families: queries sent by the
// worker, answers returned by the supervisor, and asks the supervisor sends
// out of band. Integers and floats travel in the host byte order, so both
// ends must run on the same machine (a pipe or a UNIX socket).
//
// A Channel is not safe for concurrent use. It is meant to be driven by a
// single goroutine that polls with HasPendingQuery before blocking reads.
package sprotocol

import (
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Default configuration values.
const (
	// DefaultCacheSize is the capacity of each of the input and output caches.
	DefaultCacheSize = 4096
	// initialScratchSize is the starting scratch capacity; growth doubles it.
	initialScratchSize = 256
	// defaultScratchLimit bounds scratch growth (1GiB).
	defaultScratchLimit = 1 << 30
)

// ErrInvalidCacheSize is returned when a cache cannot hold a 4-byte field.
var ErrInvalidCacheSize = errors.New("sprotocol: cache size must be at least 4 bytes")

// Channel is one buffered bidirectional protocol endpoint.
type Channel struct {
	d    Descriptor
	opts options

	in struct {
		buf      []byte
		pos, len int // 0 <= pos <= len <= cap
	}
	out struct {
		buf []byte
		pos int // 0 <= pos <= cap
	}
	scratch scratch

	closed atomic.Bool
}

// New creates a channel bound to an already connected descriptor.
// The channel owns d and closes it on Close.
func New(d Descriptor, opt ...Option) (*Channel, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	c := &Channel{d: d, opts: opts}
	c.in.buf = make([]byte, opts.inputSize)
	c.out.buf = make([]byte, opts.outputSize)
	c.scratch = newScratch(opts.scratchLimit)
	return c, nil
}

// checkOptions validates and sets default values for channel options.
func checkOptions(opts *options) error {
	if opts.inputSize == 0 {
		opts.inputSize = DefaultCacheSize
	}

	if opts.outputSize == 0 {
		opts.outputSize = DefaultCacheSize
	}

	if opts.inputSize < 4 || opts.outputSize < 4 {
		return ErrInvalidCacheSize
	}

	if opts.scratchLimit < initialScratchSize {
		opts.scratchLimit = defaultScratchLimit
	}

	if opts.order == nil {
		opts.order = binary.NativeEndian
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.metrics == nil {
		opts.metrics = nopMetrics{}
	}

	if opts.name == "" {
		opts.name = "-"
	}

	return nil
}

// Name returns the channel name used in logs and errors.
func (c *Channel) Name() string {
	return c.opts.name
}

// Close releases the descriptor and all buffers. Unflushed output is
// discarded. Safe to call multiple times.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	err := c.d.Close()
	c.in.buf, c.out.buf = nil, nil
	c.in.pos, c.in.len, c.out.pos = 0, 0, 0
	c.scratch.buf = nil
	return err
}

// IsClosed returns true if the channel has been closed.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Flush writes the output cache to the descriptor. Encoding only buffers;
// a message is delivered once Flush returns.
func (c *Channel) Flush() error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.flush()
}

func (c *Channel) flush() error {
	if c.out.pos == 0 {
		return nil
	}
	if err := c.writeAll(c.out.buf[:c.out.pos]); err != nil {
		return err
	}
	c.out.pos = 0
	return nil
}

// buffered returns the number of unread bytes in the input cache.
func (c *Channel) buffered() int {
	return c.in.len - c.in.pos
}

// refill moves unread bytes to the front of the input cache, then reads
// until atLeast more bytes arrived. With atLeast == 0 it performs exactly
// one read and end of stream is not an error.
func (c *Channel) refill(atLeast int) error {
	avail := c.buffered()
	copy(c.in.buf, c.in.buf[c.in.pos:c.in.len])
	c.in.pos, c.in.len = 0, avail

	if atLeast > len(c.in.buf)-avail {
		panic("sprotocol: refill larger than the remaining input cache")
	}

	got := 0
	for {
		n, err := c.readSome(c.in.buf[c.in.len:])
		if err != nil {
			return err
		}
		c.in.len += n
		got += n
		if got >= atLeast {
			return nil
		}
		if n == 0 {
			return c.fail(KindProtocol, "read", ErrUnexpectedEOF)
		}
	}
}

// write appends p to the output cache, flushing when it does not fit.
// Data larger than the cache goes straight to the descriptor.
func (c *Channel) write(p []byte) error {
	if c.out.pos+len(p) <= len(c.out.buf) {
		c.out.pos += copy(c.out.buf[c.out.pos:], p)
		return nil
	}

	if err := c.flush(); err != nil {
		return err
	}

	if len(p) > len(c.out.buf) {
		return c.writeAll(p)
	}
	c.out.pos = copy(c.out.buf, p)
	return nil
}

// readSome performs one read, retrying interrupted calls.
// It returns 0 bytes and no error at end of stream.
func (c *Channel) readSome(p []byte) (int, error) {
	for {
		n, err := c.d.Read(p)
		if n > 0 {
			c.opts.metrics.BytesRead(n)
			return n, nil
		}
		switch {
		case err == nil, err == io.EOF:
			return 0, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return 0, c.fail(KindIO, "read", err)
		}
	}
}

// readFull reads exactly len(p) bytes, bypassing the input cache.
func (c *Channel) readFull(p []byte) error {
	for len(p) > 0 {
		n, err := c.readSome(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return c.fail(KindProtocol, "read", ErrUnexpectedEOF)
		}
		p = p[n:]
	}
	return nil
}

// writeAll writes all of p, retrying interrupted calls.
func (c *Channel) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := c.d.Write(p)
		if n > 0 {
			c.opts.metrics.BytesWritten(n)
			p = p[n:]
			continue
		}
		switch {
		case err == nil:
			return c.fail(KindIO, "write", ErrZeroWrite)
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return c.fail(KindIO, "write", err)
		}
	}
	return nil
}
