package sprotocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a channel failure by what the caller has to tear down.
type Kind int

const (
	// KindProtocol means the peer violated the protocol: it closed the stream
	// in the middle of a message or sent a tag outside the message family.
	// The session is unusable; the caller should close it and may restart.
	KindProtocol Kind = iota + 1
	// KindIO means a syscall on the descriptor failed. Connection-fatal.
	KindIO
	// KindAlloc means the scratch buffer would have to grow past its
	// configured ceiling. Process-fatal.
	KindAlloc
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol violation"
	case KindIO:
		return "i/o failure"
	case KindAlloc:
		return "allocation failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Errors wrapped by *Error.
var (
	// ErrUnexpectedEOF is returned when the peer closes the stream before a
	// declared field or payload has been received completely.
	ErrUnexpectedEOF = errors.New("sprotocol: peer closed mid-message")
	// ErrUnknownTag is returned when a message tag is not part of the
	// family being decoded.
	ErrUnknownTag = errors.New("sprotocol: unknown message tag")
	// ErrZeroWrite is returned when the descriptor accepts zero bytes.
	ErrZeroWrite = errors.New("sprotocol: descriptor accepted zero bytes")
	// ErrScratchLimit is returned when a field does not fit the maximum
	// scratch buffer size.
	ErrScratchLimit = errors.New("sprotocol: scratch buffer limit exceeded")
	// ErrNoPoll is returned by HasPendingQuery when the descriptor cannot
	// wait for readiness.
	ErrNoPoll = errors.New("sprotocol: descriptor does not support polling")
	// ErrChannelClosed is returned when operating on a closed channel.
	ErrChannelClosed = errors.New("sprotocol: channel closed")
)

// Error describes a fatal channel failure.
type Error struct {
	Kind    Kind
	Op      string
	Channel string
	// Tag is the message being decoded or encoded, zero when the failure
	// happened outside a message.
	Tag Tag
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("channel %s: %s: %s", e.Channel, e.Op, e.Kind)
	if e.Tag != 0 {
		msg += fmt.Sprintf(" (tag %s)", e.Tag)
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying sentinel or syscall error.
func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause from github.com/pkg/errors reach the sentinel.
func (e *Error) Cause() error { return e.Err }

// IsConnectionFatal reports whether err means the session must be closed:
// a protocol violation or a descriptor failure.
func IsConnectionFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindProtocol || e.Kind == KindIO
}

// IsProcessFatal reports whether err is an allocation failure.
func IsProcessFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAlloc
}

func (c *Channel) fail(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Channel: c.opts.name, Err: errors.WithStack(err)}
}

// withTag attaches the message tag to a channel error raised while a
// message was in flight.
func withTag(err error, tag Tag) error {
	var e *Error
	if errors.As(err, &e) && e.Tag == 0 {
		e.Tag = tag
	}
	return err
}
