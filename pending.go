package sprotocol

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// HasPendingQuery reports whether a message is likely available without
// blocking past timeout. It returns true at once when the input cache holds
// unread bytes. Otherwise it waits for the descriptor to become readable:
// a negative timeout waits forever, zero only probes. End of stream counts
// as readable so that the following NextQuery observes it.
func (c *Channel) HasPendingQuery(timeout time.Duration) (bool, error) {
	if c.closed.Load() {
		return false, ErrChannelClosed
	}
	if c.buffered() > 0 {
		return true, nil
	}

	p, ok := c.d.(Poller)
	if !ok {
		return false, c.fail(KindIO, "poll", ErrNoPoll)
	}

	for {
		ready, err := p.Poll(timeout)
		if err == nil {
			return ready, nil
		}
		if !errors.Is(err, unix.EINTR) {
			return false, c.fail(KindIO, "poll", err)
		}
	}
}
