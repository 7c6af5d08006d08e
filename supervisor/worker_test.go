package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Zereker/sprotocol"
)

// workerModeEnv makes the test binary act as a worker, see TestMain.
const workerModeEnv = "SUPERVISOR_TEST_WORKER"

// workerInputEnv names the file the echo worker reads.
const workerInputEnv = "SUPERVISOR_TEST_INPUT"

// fakeChildPID is announced by the fork worker; no such process exists.
const fakeChildPID = 999999

func TestMain(m *testing.M) {
	if mode := os.Getenv(workerModeEnv); mode != "" {
		if err := runWorker(mode); err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func runWorker(mode string) error {
	fd, err := strconv.Atoi(os.Getenv(WorkerFDEnv))
	if err != nil {
		return err
	}

	if mode == "badmagic" {
		f := os.NewFile(uintptr(fd), "channel")
		if _, err := f.Write([]byte("TEXPRESSOC99")); err != nil {
			return err
		}
		_, err := io.Copy(io.Discard, f)
		return err
	}

	c, err := sprotocol.NewFD(fd, sprotocol.LoggerOption(quiet))
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.ClientHandshake()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("handshake rejected")
	}

	switch mode {
	case "echo":
		return echoWorker(c)
	case "fork":
		return forkWorker(c)
	case "term":
		return termWorker(c)
	case "stuck":
		time.Sleep(time.Hour)
		return nil
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// call sends q and waits for its answer.
func call(c *sprotocol.Channel, q sprotocol.Query) (sprotocol.Answer, error) {
	if err := c.WriteQuery(q); err != nil {
		return nil, err
	}
	if err := c.Flush(); err != nil {
		return nil, err
	}
	return c.NextAnswer()
}

// echoWorker copies the input file to its stdout.
func echoWorker(c *sprotocol.Channel) error {
	a, err := call(c, sprotocol.OpenQuery{FID: 0, Path: os.Getenv(workerInputEnv), Mode: "r"})
	if err != nil {
		return err
	}
	if _, ok := a.(sprotocol.OpenAnswer); !ok {
		return fmt.Errorf("open answered %T", a)
	}

	a, err = call(c, sprotocol.ReadQuery{FID: 0, Size: 4096})
	if err != nil {
		return err
	}
	read, ok := a.(sprotocol.ReadAnswer)
	if !ok {
		return fmt.Errorf("read answered %T", a)
	}
	data := append([]byte{}, read.Data...)

	if a, err = call(c, sprotocol.WriteQuery{FID: ^uint32(0), Data: data}); err != nil {
		return err
	}
	if a != (sprotocol.DoneAnswer{}) {
		return fmt.Errorf("write answered %T", a)
	}
	_, err = call(c, sprotocol.CloseQuery{FID: 0})
	return err
}

// forkWorker announces a child that comes back right away.
func forkWorker(c *sprotocol.Channel) error {
	pid := uint32(os.Getpid())
	if a, err := call(c, sprotocol.ChildQuery{PID: fakeChildPID}); err != nil || a != (sprotocol.DoneAnswer{}) {
		return fmt.Errorf("child answered %v, %v", a, err)
	}
	if a, err := call(c, sprotocol.BackQuery{PID: pid, CID: fakeChildPID}); err != nil || a != (sprotocol.DoneAnswer{}) {
		return fmt.Errorf("back answered %v, %v", a, err)
	}
	return nil
}

// termWorker has queries in flight and leaves on the first TERM.
func termWorker(c *sprotocol.Channel) error {
	c.WriteQuery(sprotocol.SeenQuery{FID: 0, Pos: 1})
	c.WriteQuery(sprotocol.SizeQuery{FID: 0})
	if err := c.Flush(); err != nil {
		return err
	}
	ask, err := c.NextAsk()
	if err != nil {
		return err
	}
	if ask != (sprotocol.TermAsk{PID: uint32(os.Getpid())}) {
		return fmt.Errorf("got ask %v", ask)
	}
	return nil
}
