package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dermesser/clusterinvoke/client"
	"github.com/dermesser/clusterinvoke/config"
	"github.com/dermesser/clusterinvoke/distributed"
	"github.com/dermesser/clusterinvoke/invoke"
	"github.com/dermesser/clusterinvoke/server"
)

// The farm service splits a batch of numbers into one piece per number and
// distributes the pieces over the workers serving the requested role.
const (
	farmService       = "farm"
	listenerSubmit    = "submit"
	listenerProgress  = "progress"
	listenerResult    = "result"
	paramNumber       = "n"
	paramResult       = "result"
	paramFailed       = "failed"
	paramNumerator    = "numerator"
	paramDenominator  = "denominator"
	defaultFarmRole   = "square"
	farmSubmitTimeout = 10 * time.Minute
)

func farmSpec(sched *distributed.Scheduler) server.ServiceSpec {
	return server.Handlers{
		listenerSubmit: func(ctx context.Context, s *server.Session, in *invoke.Invoke) error {
			return submit(ctx, sched, s, in)
		},
	}.Spec(farmService, 0)
}

func submit(ctx context.Context, sched *distributed.Scheduler, s *server.Session, in *invoke.Invoke) error {
	role, ok := in.TextOf(invoke.ParamRole)
	if !ok {
		return fmt.Errorf("%s without %q", listenerSubmit, invoke.ParamRole)
	}

	var pieces []distributed.Piece
	for _, p := range in.Parameters() {
		if p.Name() != paramNumber {
			continue
		}
		n, err := p.Number()
		if err != nil {
			return err
		}
		pieces = append(pieces, distributed.Piece{In: invoke.New(role, invoke.Number(paramNumber, n)), Weight: 1})
	}

	ctx, cancel := context.WithTimeout(ctx, farmSubmitTimeout)
	defer cancel()

	records, err := sched.DispatchAll(ctx, role, pieces, func(p distributed.Progress) {
		s.Send(invoke.New(listenerProgress,
			invoke.Number(paramNumerator, p.Numerator),
			invoke.Number(paramDenominator, p.Denominator)))
	})
	if err != nil {
		logger := s.Logger()
		logger.Warn().Err(err).Str("role", role).Msg("batch incomplete")
	}

	var sum float64
	failed := 0
	for _, h := range records {
		if h == nil || h.Outcome() != distributed.OutcomeReported {
			failed++
			continue
		}
		reply := h.Reply()
		if _, bad := reply.TextOf(invoke.ParamError); bad {
			failed++
			continue
		}
		r, _ := reply.NumberOf(paramResult)
		sum += r
	}
	return s.Send(invoke.New(listenerResult, invoke.Number(paramResult, sum), invoke.Number(paramFailed, float64(failed))))
}

type farmFlags struct {
	role  string
	count int
}

func newFarmCmd(cfg *config.Config) *cobra.Command {
	var flags farmFlags
	cmd := &cobra.Command{
		Use:   "farm",
		Short: "Submit a batch of numbers to the farm service and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			topts, err := transportOptions(cfg, false)
			if err != nil {
				return err
			}
			cl, err := client.Dial(ctx, cfg.Server.Network, dialAddress(cfg), topts, client.Options{Name: "farm"})
			if err != nil {
				return err
			}
			defer cl.Close()

			cl.Handle(listenerProgress, func(in *invoke.Invoke) {
				num, _ := in.NumberOf(paramNumerator)
				den, _ := in.NumberOf(paramDenominator)
				p := distributed.Progress{Numerator: num, Denominator: den}
				fmt.Fprintf(cmd.OutOrStdout(), "progress: %d%%\n", p.Percent())
			})

			sum, failed, err := runFarm(ctx, cl, flags.role, flags.count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "result: %g (%d failed)\n", sum, failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.role, "role", defaultFarmRole, "role of the workers to use")
	cmd.Flags().IntVar(&flags.count, "count", 10, "numbers 1..count to submit")
	return cmd
}

func runFarm(ctx context.Context, cl *client.Client, role string, count int) (float64, int, error) {
	if count <= 0 {
		return 0, 0, errors.New("count must be positive")
	}
	if _, err := cl.NotifyService(ctx, farmService); err != nil {
		return 0, 0, err
	}

	params := []*invoke.Parameter{invoke.Text(invoke.ParamRole, role)}
	for i := 1; i <= count; i++ {
		params = append(params, invoke.Number(paramNumber, float64(i)))
	}
	reply, err := cl.Request(ctx, invoke.New(listenerSubmit, params...), listenerResult)
	if err != nil {
		return 0, 0, err
	}
	sum, _ := reply.NumberOf(paramResult)
	failed, _ := reply.NumberOf(paramFailed)
	return sum, int(failed), nil
}
