// Package supervisor runs a worker process behind a channel and answers its
// queries.
//
// A Session tracks the stack of forked worker processes announced by CHLD
// and BACK queries, forwards every other query to a Backend, and knows how
// to terminate or kill workers that stopped talking.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Zereker/sprotocol"
)

// WorkerFD is the descriptor number of the channel in the worker process.
const WorkerFD = 3

// WorkerFDEnv names the environment variable telling the worker which
// descriptor to talk on.
const WorkerFDEnv = "TEXPRESSO_FD"

var (
	ErrHandshake  = errors.New("supervisor: worker handshake failed")
	ErrNotRunning = errors.New("supervisor: session is not running")
	ErrNoProcess  = errors.New("supervisor: no worker process")
	ErrStack      = errors.New("supervisor: process stack mismatch")
)

// Backend answers the queries that are not about the process stack. A nil
// answer means the query takes none.
type Backend interface {
	Answer(q sprotocol.Query) (sprotocol.Answer, error)
}

// BackendFunc is an adapter to allow the use of ordinary functions as
// backends.
type BackendFunc func(q sprotocol.Query) (sprotocol.Answer, error)

func (f BackendFunc) Answer(q sprotocol.Query) (sprotocol.Answer, error) { return f(q) }

// Snapshotter is implemented by backends whose state follows the process
// stack: a mark is taken when a worker forks and restored when the session
// rolls back to the parent.
type Snapshotter interface {
	Mark() int
	Rollback(mark int)
}

type options struct {
	logger       sprotocol.Logger
	stuckTimeout time.Duration
	pollInterval time.Duration
	dir          string
	env          []string
	chanOpts     []sprotocol.Option
}

// Option configures a Session.
type Option func(*options)

// LoggerOption sets the session logger.
func LoggerOption(logger sprotocol.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// StuckTimeoutOption sets how long a stopped worker is given to show a
// pending query before it is considered stuck and killed.
func StuckTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.stuckTimeout = d
	}
}

// PollIntervalOption sets how long Run waits for a query before checking
// for cancellation.
func PollIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// DirOption sets the worker working directory.
func DirOption(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// EnvOption adds environment variables (KEY=value) to the worker.
func EnvOption(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// ChannelOption sets the options of the session channel.
func ChannelOption(opt ...sprotocol.Option) Option {
	return func(o *options) {
		o.chanOpts = append(o.chanOpts, opt...)
	}
}

func newOptions(opts []Option) options {
	o := options{
		stuckTimeout: 5 * time.Millisecond,
		pollInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	return o
}

// Spawn starts name with args as a worker, hands it one end of a socket
// pair as descriptor WorkerFD, and performs the handshake. The worker
// standard output is redirected to standard error.
func Spawn(ctx context.Context, backend Backend, name string, args []string, opts ...Option) (*Session, error) {
	s := &Session{
		backend: backend,
		opts:    newOptions(opts),
		name:    name,
		args:    args,
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Attach supervises a worker already connected on c, whose process id is
// pid. The handshake must have been done. Closing the session does not
// wait for the process.
func Attach(c *sprotocol.Channel, pid int, backend Backend, opts ...Option) *Session {
	exited := make(chan struct{})
	close(exited)
	return &Session{
		c:       c,
		backend: backend,
		opts:    newOptions(opts),
		status:  Running,
		pid:     pid,
		rootPID: pid,
		exited:  exited,
	}
}

// start launches the worker. The session must be terminated.
func (s *Session) start(ctx context.Context) error {
	if s.name == "" {
		return errors.Wrap(ErrNoProcess, "supervisor: session has no command")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "supervisor: socketpair")
	}
	parent := os.NewFile(uintptr(fds[0]), "sprotocol")
	child := os.NewFile(uintptr(fds[1]), "sprotocol-worker")

	cmd := exec.CommandContext(ctx, s.name, s.args...)
	cmd.Dir = s.opts.dir
	cmd.Env = append(os.Environ(), s.opts.env...)
	cmd.Env = append(cmd.Env, WorkerFDEnv+"="+strconv.Itoa(WorkerFD))
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	err = cmd.Start()
	child.Close()
	if err != nil {
		parent.Close()
		return errors.Wrapf(err, "supervisor: start %s", s.name)
	}

	c, err := sprotocol.NewFile(parent, s.opts.chanOpts...)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		parent.Close()
		return err
	}

	exited := make(chan struct{})
	go func() {
		s.exitErr = cmd.Wait()
		close(exited)
	}()

	s.c = c
	s.cmd = cmd
	s.exited = exited
	s.pid = cmd.Process.Pid
	s.rootPID = s.pid
	s.stack = s.stack[:0]
	s.opts.logger.Info("worker launched", "pid", s.pid, "command", s.name)

	ok, err := c.Handshake()
	if err == nil && !ok {
		err = ErrHandshake
	}
	if err != nil {
		cmd.Process.Kill()
		s.status = Running
		s.closeProcess()
		return err
	}
	s.status = Running
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
