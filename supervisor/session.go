package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Zereker/sprotocol"
)

// Status is the state of a session.
type Status int

const (
	// Terminated: no worker process.
	Terminated Status = iota
	// Running: the active worker is waiting for answers.
	Running
	// Back: a parent process announced it resumed after its child
	// exited, and waits for the session to resume it.
	Back
)

func (s Status) String() string {
	switch s {
	case Terminated:
		return "terminated"
	case Running:
		return "running"
	case Back:
		return "back"
	default:
		return "unknown"
	}
}

type process struct {
	pid  int
	mark int
}

// Session supervises one worker and the processes it forks. It is not safe
// for concurrent use, except for Run which owns the session until it
// returns.
type Session struct {
	c       *sprotocol.Channel
	backend Backend
	opts    options

	name string
	args []string
	cmd  *exec.Cmd

	status       Status
	pid, rootPID int
	stack        []process
	mark         int // backend mark of the active process

	exited  chan struct{}
	exitErr error
}

// Status reports the session state.
func (s *Session) Status() Status { return s.status }

// PID returns the process id of the active worker, 0 when terminated.
func (s *Session) PID() int { return s.pid }

// Depth returns the number of forked processes above the root worker.
func (s *Session) Depth() int { return len(s.stack) }

// Channel returns the channel to the worker, nil when terminated.
func (s *Session) Channel() *sprotocol.Channel { return s.c }

// Step waits up to timeout for a query and answers it. It reports whether
// a query was handled. A worker closing the channel terminates the session.
func (s *Session) Step(timeout time.Duration) (bool, error) {
	if s.status != Running {
		return false, ErrNotRunning
	}
	pending, err := s.c.HasPendingQuery(timeout)
	if err != nil || !pending {
		return false, err
	}

	q, err := s.c.NextQuery()
	if err == io.EOF {
		s.closeProcess()
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.dispatch(q); err != nil {
		return false, err
	}
	return true, s.c.Flush()
}

func (s *Session) dispatch(q sprotocol.Query) error {
	switch q := q.(type) {
	case sprotocol.ChildQuery:
		s.opts.logger.Info("entered child", "pid", q.PID, "parent", s.pid)
		s.stack = append(s.stack, process{pid: s.pid, mark: s.backendMark()})
		s.pid = int(q.PID)
		return s.c.WriteAnswer(sprotocol.DoneAnswer{})

	case sprotocol.BackQuery:
		return s.back(q)

	default:
		a, err := s.backend.Answer(q)
		if err != nil {
			return errors.WithMessagef(err, "supervisor: answering %s", q)
		}
		if a == nil {
			return nil
		}
		return s.c.WriteAnswer(a)
	}
}

// back validates a BACK query against the process stack. The parent is
// left waiting until Resume.
func (s *Session) back(q sprotocol.BackQuery) error {
	s.opts.logger.Info("process back from child", "pid", q.PID, "child", q.CID, "exit_code", q.ExitCode)
	if len(s.stack) == 0 {
		return errors.Wrap(ErrStack, "back without a forked child")
	}
	if int(q.CID) != s.pid {
		return errors.Wrapf(ErrStack, "back from child %d, active process is %d", q.CID, s.pid)
	}
	if parent := s.stack[len(s.stack)-1].pid; int(q.PID) != parent {
		return errors.Wrapf(ErrStack, "back to %d, parent is %d", q.PID, parent)
	}
	s.status = Back
	return nil
}

func (s *Session) pop() {
	p := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.pid = p.pid
	s.mark = p.mark
	s.status = Running
	if snap, ok := s.backend.(Snapshotter); ok {
		snap.Rollback(p.mark)
	}
}

func (s *Session) backendMark() int {
	if snap, ok := s.backend.(Snapshotter); ok {
		return snap.Mark()
	}
	return 0
}

// Resume lets a parent that came back from its child continue.
func (s *Session) Resume() error {
	if s.status != Back {
		return ErrNotRunning
	}
	s.pop()
	if err := s.c.WriteAnswer(sprotocol.DoneAnswer{}); err != nil {
		return err
	}
	return s.c.Flush()
}

// Terminate asks the active process to exit. Queries still in flight are
// drained: SEEN is dropped, BACK ends the termination with the session in
// the Back state, anything else is answered with a TERM ask. The session
// ends Back or Terminated.
func (s *Session) Terminate() error {
	if s.status != Running {
		return nil
	}
	if err := s.c.Flush(); err != nil {
		return err
	}
	if err := s.KillIfStuck(); err != nil {
		return err
	}

	for s.status == Running {
		q, err := s.c.NextQuery()
		if err == io.EOF {
			s.closeProcess()
			break
		}
		if err != nil {
			return err
		}
		switch q := q.(type) {
		case sprotocol.SeenQuery:
			continue
		case sprotocol.BackQuery:
			if err := s.back(q); err != nil {
				return err
			}
		default:
			s.opts.logger.Info("asking for termination", "pid", s.pid, "query", q.String())
			if err := s.c.WriteAsk(sprotocol.TermAsk{PID: uint32(s.pid)}); err != nil {
				return err
			}
			if err := s.c.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// KillIfStuck kills the active process when it has no pending query. The
// process is stopped first and given the stuck timeout to show a query that
// raced with the check. Killing the root process terminates the session;
// a killed child makes its parent come back.
func (s *Session) KillIfStuck() error {
	if s.status != Running {
		return ErrNotRunning
	}
	pending, err := s.c.HasPendingQuery(0)
	if err != nil || pending {
		return err
	}
	if s.pid <= 0 {
		return ErrNoProcess
	}

	if err := unix.Kill(s.pid, unix.SIGSTOP); err != nil {
		return errors.Wrapf(err, "supervisor: stop %d", s.pid)
	}
	pending, err = s.c.HasPendingQuery(s.opts.stuckTimeout)
	if err != nil || pending {
		if cerr := unix.Kill(s.pid, unix.SIGCONT); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "supervisor: continue %d", s.pid)
		}
		return err
	}

	s.opts.logger.Warn("killing stuck process", "pid", s.pid)
	unix.Kill(s.pid, unix.SIGTERM)
	// A stopped process only handles SIGTERM once continued.
	unix.Kill(s.pid, unix.SIGCONT)

	if s.pid == s.rootPID {
		s.closeProcess()
	}
	return nil
}

// Rollback brings the workers back to the most recent process that forked
// before mark, a position of the backend Snapshotter. Processes forked
// later are dismissed with a PASS answer to their BACK. When no process
// qualifies, the session is terminated and the backend rolled back to 0.
func (s *Session) Rollback(mark int) error {
	if s.status == Running {
		if err := s.Terminate(); err != nil {
			return err
		}
	}

	switch s.status {
	case Back:
		s.pop()
		for len(s.stack) > 0 && s.mark >= mark {
			if err := s.c.WriteAnswer(sprotocol.PassAnswer{}); err != nil {
				return err
			}
			if err := s.c.Flush(); err != nil {
				return err
			}
			q, err := s.c.NextQuery()
			if err != nil {
				return errors.WithMessage(err, "supervisor: waiting for back")
			}
			back, ok := q.(sprotocol.BackQuery)
			if !ok {
				return errors.Wrapf(ErrStack, "got %s while rolling back", q)
			}
			if err := s.back(back); err != nil {
				return err
			}
			s.pop()
		}
		if s.mark > mark {
			s.closeProcess()
			s.rollbackBackend(0)
			return nil
		}
		if err := s.c.WriteAnswer(sprotocol.DoneAnswer{}); err != nil {
			return err
		}
		return s.c.Flush()

	case Terminated:
		s.rollbackBackend(0)
	}
	return nil
}

func (s *Session) rollbackBackend(mark int) {
	s.mark = mark
	if snap, ok := s.backend.(Snapshotter); ok {
		snap.Rollback(mark)
	}
}

// Restart launches a new worker when the session is terminated.
func (s *Session) Restart(ctx context.Context) error {
	if s.status != Terminated {
		return nil
	}
	return s.start(ctx)
}

// FlushAsk asks the running worker to flush its outputs.
func (s *Session) FlushAsk() error {
	if s.status != Running {
		return nil
	}
	if err := s.c.WriteAsk(sprotocol.FlushAsk{}); err != nil {
		return err
	}
	return s.c.Flush()
}

// Run answers queries until the worker terminates or ctx is done. On
// cancellation the root worker is killed and ctx.Err() returned.
func (s *Session) Run(ctx context.Context) error {
	if s.status == Terminated {
		return ErrNotRunning
	}

	group, gctx := errgroup.WithContext(ctx)
	served := make(chan struct{})

	group.Go(func() error {
		defer close(served)
		return s.serve(gctx)
	})

	var proc *os.Process
	if s.cmd != nil {
		proc = s.cmd.Process
	}
	group.Go(func() error {
		select {
		case <-gctx.Done():
			if proc != nil {
				proc.Kill()
			}
		case <-served:
		}
		return nil
	})

	return group.Wait()
}

func (s *Session) serve(ctx context.Context) error {
	for s.status != Terminated {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.status == Back {
			if err := s.Resume(); err != nil {
				return err
			}
			continue
		}
		if _, err := s.Step(s.opts.pollInterval); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the channel and waits for the root worker to exit.
func (s *Session) Close() error {
	s.closeProcess()
	return nil
}

// ExitErr returns the error reported when the root worker was reaped.
func (s *Session) ExitErr() error {
	return s.exitErr
}

func (s *Session) closeProcess() {
	if s.status == Terminated {
		return
	}
	s.c.Close()
	<-s.exited
	s.opts.logger.Info("worker terminated", "pid", s.rootPID, "exit", s.exitErr)

	s.c = nil
	s.pid, s.rootPID = 0, 0
	s.stack = s.stack[:0]
	s.status = Terminated
}
