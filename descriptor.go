package sprotocol

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Descriptor is the connected byte stream a Channel drives.
//
// Read and Write follow raw syscall semantics rather than io.Reader ones:
// an interrupted call returns unix.EINTR and is retried by the channel, and
// a Read returning (0, nil) or (0, io.EOF) means the peer closed the stream.
type Descriptor interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Poller is implemented by descriptors that can wait for readable data.
// A negative timeout waits forever, zero returns immediately.
// An interrupted wait returns unix.EINTR.
type Poller interface {
	Poll(timeout time.Duration) (bool, error)
}

// fdDescriptor drives a blocking file descriptor with direct syscalls.
type fdDescriptor struct {
	fd int
	// file keeps the owning *os.File alive when the fd came from one,
	// so its finalizer does not close the fd under us.
	file *os.File
}

func (d *fdDescriptor) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (d *fdDescriptor) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (d *fdDescriptor) Poll(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, pollTimeout(timeout))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *fdDescriptor) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return unix.Close(d.fd)
}

// pollTimeout converts a duration to poll(2) milliseconds, rounding a
// positive sub-millisecond timeout up so it does not turn into a busy probe.
func pollTimeout(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

// NewFD creates a channel over a connected, blocking stream descriptor.
// The channel owns fd and closes it on Close.
func NewFD(fd int, opt ...Option) (*Channel, error) {
	return New(&fdDescriptor{fd: fd}, opt...)
}

// NewFile creates a channel owning f. The descriptor is switched to
// blocking mode.
func NewFile(f *os.File, opt ...Option) (*Channel, error) {
	// Fd puts the descriptor in blocking mode.
	fd := int(f.Fd())
	return New(&fdDescriptor{fd: fd, file: f}, opt...)
}

// NewConn creates a channel from an accepted or dialed UNIX connection.
// The connection is released; the channel owns a duplicate of its descriptor.
func NewConn(conn *net.UnixConn, opt ...Option) (*Channel, error) {
	f, err := conn.File()
	closeErr := conn.Close()
	if err != nil {
		return nil, errors.Wrap(err, "sprotocol: duplicate connection descriptor")
	}
	if closeErr != nil {
		f.Close()
		return nil, errors.Wrap(closeErr, "sprotocol: release connection")
	}
	return NewFile(f, opt...)
}

// Pair returns two connected channels over a UNIX socketpair, the first
// one intended for the supervising side.
func Pair(opt ...Option) (*Channel, *Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sprotocol: socketpair")
	}
	server, err := NewFD(fds[0], opt...)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	client, err := NewFD(fds[1], opt...)
	if err != nil {
		server.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return server, client, nil
}
