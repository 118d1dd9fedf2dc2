package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dermesser/clusterinvoke/client"
	"github.com/dermesser/clusterinvoke/config"
	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/log"
)

type workerFlags struct {
	id       string
	password string
	delay    time.Duration
}

func newWorkerCmd(cfg *config.Config) *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker node serving the demo roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorker(ctx, cfg, flags)
		},
	}
	cmd.Flags().StringVar(&flags.id, "id", "", "log in with this account before joining")
	cmd.Flags().StringVar(&flags.password, "password", "", "password of --id")
	cmd.Flags().DurationVar(&flags.delay, "delay", 0, "extra time spent on each piece, to simulate a slow node")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, flags workerFlags) error {
	logger := log.WithComponent("worker")

	topts, err := transportOptions(cfg, false)
	if err != nil {
		return err
	}
	cl, err := client.Dial(ctx, cfg.Server.Network, dialAddress(cfg), topts, client.Options{Name: "worker"})
	if err != nil {
		return err
	}
	defer cl.Close()

	if flags.id != "" {
		authority, err := cl.Login(ctx, flags.id, flags.password)
		if err != nil {
			return err
		}
		logger.Info().Str("user_id", flags.id).Int("authority", authority).Msg("logged in")
	}

	w := client.NewWorker(cl)
	defer w.Stop()
	registerDemoRoles(w, flags.delay)
	if err := w.Join(ctx, cfg.Scheduler.ServiceName); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-cl.Done():
		if err := cl.Err(); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		return nil
	}
}

func registerDemoRoles(w *client.Worker, delay time.Duration) {
	pause := func(ctx context.Context) error {
		if delay <= 0 {
			return nil
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.Register(defaultFarmRole, func(ctx context.Context, in *invoke.Invoke) ([]*invoke.Parameter, error) {
		if err := pause(ctx); err != nil {
			return nil, err
		}
		n, ok := in.NumberOf(paramNumber)
		if !ok {
			return nil, fmt.Errorf("missing %q", paramNumber)
		}
		return []*invoke.Parameter{invoke.Number(paramResult, n*n)}, nil
	})
	w.Register("echo", func(ctx context.Context, in *invoke.Invoke) ([]*invoke.Parameter, error) {
		if err := pause(ctx); err != nil {
			return nil, err
		}
		return in.Parameters(), nil
	})
}

// dialAddress turns the configured listen address into one to connect to,
// replacing wildcard hosts by the loopback address.
func dialAddress(cfg *config.Config) string {
	addr := cfg.Server.Address
	if cfg.Server.Network == "zmq" {
		return strings.Replace(addr, "://*:", "://127.0.0.1:", 1)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
