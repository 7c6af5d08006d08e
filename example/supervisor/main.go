// Command supervisor runs typesetting workers over sprotocol channels and
// serves their file queries from a virtual filesystem.
//
// In spawn mode it launches the configured command and supervises it until
// it exits. In listen mode it accepts workers on a UNIX socket.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/sprotocol"
	"github.com/Zereker/sprotocol/promstats"
	"github.com/Zereker/sprotocol/supervisor"
	"github.com/Zereker/sprotocol/vfs"
)

type app struct {
	cfg      config
	logger   zlogger
	chanOpts []sprotocol.Option

	sessionID atomic.Int64

	sync.RWMutex
	sessions map[int64]*vfs.FS
}

func (a *app) newFS() *vfs.FS {
	return vfs.New(
		vfs.InclusionPathOption(a.cfg.InclusionPath...),
		vfs.LoggerOption(a.logger),
		vfs.OutputOption(func(role vfs.Role, data []byte, from int) {
			a.logger.Debug("output", "role", role.String(), "size", len(data), "from", from)
		}),
	)
}

func (a *app) sessionOptions() []supervisor.Option {
	return []supervisor.Option{
		supervisor.LoggerOption(a.logger),
		supervisor.StuckTimeoutOption(a.cfg.StuckTimeout),
		supervisor.DirOption(a.cfg.Dir),
		supervisor.ChannelOption(a.chanOpts...),
	}
}

func (a *app) addSession(id int64, fs *vfs.FS) {
	a.Lock()
	defer a.Unlock()

	a.logger.Info("add session", "session", id)
	a.sessions[id] = fs
}

func (a *app) deleteSession(id int64) {
	a.Lock()
	defer a.Unlock()

	delete(a.sessions, id)
}

func (a *app) activeSessions() float64 {
	a.RLock()
	defer a.RUnlock()

	return float64(len(a.sessions))
}

// run supervises s until it terminates, then reports its outputs.
func (a *app) run(ctx context.Context, id int64, s *supervisor.Session, fs *vfs.FS) error {
	a.addSession(id, fs)
	defer a.deleteSession(id)
	defer s.Close()

	err := s.Run(ctx)
	a.logger.Info("session done",
		"session", id,
		"document_size", len(fs.Output(vfs.RoleDocument)),
		"log_size", len(fs.Output(vfs.RoleLog)),
		"error", err)
	return err
}

func (a *app) spawn(ctx context.Context) error {
	fs := a.newFS()
	s, err := supervisor.Spawn(ctx, fs, a.cfg.Command, a.cfg.Args, a.sessionOptions()...)
	if err != nil {
		return err
	}
	if err := a.run(ctx, a.sessionID.Add(1), s, fs); err != nil {
		return err
	}
	os.Stdout.Write(fs.Output(vfs.RoleStdout))
	return nil
}

func (a *app) listen(ctx context.Context) error {
	server, err := sprotocol.Listen(a.cfg.Socket,
		sprotocol.ServerLoggerOption(a.logger),
		sprotocol.ServerChannelOption(a.chanOpts...))
	if err != nil {
		return err
	}
	defer server.Close()

	a.logger.Info("server start", "socket", a.cfg.Socket)
	return server.Serve(ctx, sprotocol.HandlerFunc(func(ctx context.Context, c *sprotocol.Channel, peer sprotocol.Peer) {
		fs := a.newFS()
		s := supervisor.Attach(c, peer.PID, fs, a.sessionOptions()...)
		a.run(ctx, a.sessionID.Add(1), s, fs)
	}))
}

func main() {
	configPath := flag.String("config", "sprotocol.toml", "path to the TOML configuration")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		os.Stderr.WriteString("log level: " + err.Error() + "\n")
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	stats := promstats.New(reg, nil)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promstats.Handler(reg))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		chanOpts: []sprotocol.Option{
			sprotocol.LoggerOption(logger),
			sprotocol.MetricsOption(stats),
		},
		sessions: make(map[int64]*vfs.FS),
	}

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sprotocol",
		Name:      "active_sessions",
		Help:      "Workers currently supervised.",
	}, a.activeSessions))

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Mode == modeListen {
		err = a.listen(ctx)
	} else {
		err = a.spawn(ctx)
	}
	if err != nil && err != context.Canceled {
		logger.Error("supervisor error", "error", err)
		os.Exit(1)
	}
}
