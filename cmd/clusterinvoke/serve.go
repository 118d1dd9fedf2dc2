package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dermesser/clusterinvoke/config"
	"github.com/dermesser/clusterinvoke/distributed"
	"github.com/dermesser/clusterinvoke/log"
	"github.com/dermesser/clusterinvoke/server"
	"github.com/dermesser/clusterinvoke/status"
	"github.com/dermesser/clusterinvoke/transport"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the master node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// master bundles what serve runs, so tests can start it on any listener.
type master struct {
	srv   *server.Server
	sched *distributed.Scheduler
	// How long the master reports unhealthy before it shuts down.
	lameduck time.Duration
}

func newMaster(cfg *config.Config) (*master, error) {
	sched := distributed.NewScheduler(cfg.SchedulerConfig())

	reg := server.NewRegistry()
	if err := reg.Register(sched.ServiceSpec(cfg.Scheduler.ServiceName, cfg.Scheduler.RequiredAuthority)); err != nil {
		return nil, err
	}
	if err := reg.Register(farmSpec(sched)); err != nil {
		return nil, err
	}

	var auth server.Authenticator
	if len(cfg.Server.Accounts) > 0 || cfg.Server.JoinAuthority >= 0 {
		auth = server.NewStaticAuthenticator(cfg.Server.Accounts, cfg.Server.JoinAuthority)
	}

	srv := server.NewServer(reg, server.Options{
		AdmissionCapacity:  cfg.Server.AdmissionCapacity,
		AnonymousAuthority: cfg.Server.AnonymousAuthority,
		Authenticator:      auth,
	})
	return &master{srv: srv, sched: sched, lameduck: time.Duration(cfg.Server.LameduckPeriod)}, nil
}

/*
run serves l, runs the scheduler reaper and, if statusAddr is set, the status
server, until ctx is done. The master then goes lameduck: health checks fail
while existing sessions keep being served for the lameduck period. After that
the server is shut down within shutdownTimeout, and the status server stops
last.
*/
func (m *master) run(ctx context.Context, l transport.Listener, statusAddr string, shutdownTimeout time.Duration) error {
	logger := log.WithComponent("serve")
	g, gctx := errgroup.WithContext(ctx)

	// Both outlive gctx so that the lameduck period is visible.
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	statusCtx, stopStatus := context.WithCancel(context.Background())
	defer stopStatus()

	g.Go(func() error {
		return m.srv.Serve(serveCtx, l)
	})
	g.Go(func() error {
		return m.sched.Run(gctx)
	})
	if statusAddr != "" {
		g.Go(func() error {
			return status.ListenAndServe(statusCtx, statusAddr, status.NewRouter(status.Sources{Server: m.srv, Scheduler: m.sched}))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		defer stopStatus()

		m.srv.SetLameduck(true)
		if m.lameduck > 0 {
			logger.Info().Dur("period", m.lameduck).Msg("entering lameduck")
			time.Sleep(m.lameduck)
		}
		stopServing()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := m.srv.Shutdown(sctx)
		l.Close()
		return err
	})

	err := g.Wait()
	if ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("serve")

	m, err := newMaster(cfg)
	if err != nil {
		return err
	}

	if cfg.Log.RPCLog != "" {
		f, err := os.OpenFile(cfg.Log.RPCLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("open rpc log: %w", err)
		}
		defer f.Close()
		m.srv.SetRPCLogger(f)
	}

	topts, err := transportOptions(cfg, true)
	if err != nil {
		return err
	}
	l, err := transport.Listen(cfg.Server.Network, cfg.Server.Address, topts)
	if err != nil {
		return err
	}
	if topts.Server != nil {
		defer transport.StopAuth()
	}

	logger.Info().
		Str("network", cfg.Server.Network).
		Str("addr", l.Addr()).
		Str("status_addr", cfg.Status.Address).
		Msg("master node starting")
	return m.run(ctx, l, cfg.Status.Address, time.Duration(cfg.Server.ShutdownTimeout))
}
