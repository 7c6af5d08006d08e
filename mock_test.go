package sprotocol

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// mockDescriptor serves reads from a fixed byte slice and records writes.
type mockDescriptor struct {
	in  []byte
	out bytes.Buffer

	chunk     int  // max bytes moved per call, 0 for unlimited
	interrupt bool // fail every other call with EINTR
	zeroWrite bool // accept nothing on write
	ready     bool // Poll result when in is empty

	reads, writes, polls int
	writeSizes           []int
	closed               bool
}

func (d *mockDescriptor) limit(p []byte) []byte {
	if d.chunk > 0 && len(p) > d.chunk {
		return p[:d.chunk]
	}
	return p
}

func (d *mockDescriptor) Read(p []byte) (int, error) {
	d.reads++
	if d.interrupt && d.reads%2 == 1 {
		return 0, unix.EINTR
	}
	n := copy(d.limit(p), d.in)
	d.in = d.in[n:]
	return n, nil
}

func (d *mockDescriptor) Write(p []byte) (int, error) {
	d.writes++
	if d.interrupt && d.writes%2 == 1 {
		return 0, unix.EINTR
	}
	if d.zeroWrite {
		return 0, nil
	}
	p = d.limit(p)
	d.writeSizes = append(d.writeSizes, len(p))
	return d.out.Write(p)
}

func (d *mockDescriptor) Poll(time.Duration) (bool, error) {
	d.polls++
	if d.interrupt && d.polls%2 == 1 {
		return false, unix.EINTR
	}
	return len(d.in) > 0 || d.ready, nil
}

func (d *mockDescriptor) Close() error {
	d.closed = true
	return nil
}

// noPollDescriptor hides the Poll method of a mockDescriptor.
type noPollDescriptor struct {
	d *mockDescriptor
}

func (n noPollDescriptor) Read(p []byte) (int, error)  { return n.d.Read(p) }
func (n noPollDescriptor) Write(p []byte) (int, error) { return n.d.Write(p) }
func (n noPollDescriptor) Close() error                { return n.d.Close() }

// discardLogger drops everything.
type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

func newMockChannel(t *testing.T, d Descriptor, opt ...Option) *Channel {
	t.Helper()
	opt = append([]Option{LoggerOption(discardLogger{}), NameOption(t.Name())}, opt...)
	c, err := New(d, opt...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

// encodeQueries returns the wire bytes of qs.
func encodeQueries(t *testing.T, qs ...Query) []byte {
	t.Helper()
	d := &mockDescriptor{}
	c := newMockChannel(t, d)
	for _, q := range qs {
		if err := c.WriteQuery(q); err != nil {
			t.Fatalf("WriteQuery(%v) failed: %v", q, err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return d.out.Bytes()
}
