package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"optionsbot/internal/resilience"
)

func newRunCmd(app *App) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the evaluation loop",
		Long: `Run evaluates the watchlist every scan interval until interrupted:
regime update, exit checks, scan, rank, risk admission and execution.
Outside market hours only exit checks run.

Stop with Ctrl+C; the status file is marked stopped on the way out.
Send SIGHUP to close open circuit breakers once a dependency recovers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			logger := app.Logger

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := buildStack(ctx, cfg, logger, cfg.Metrics.Enabled)
			if err != nil {
				return err
			}
			defer s.Close()

			if once {
				rep, err := s.Engine.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printCycle(NewOutput(cmd), rep)
			}

			if !cfg.IsPaperMode() {
				logger.Warn().Msg("LIVE mode: orders go to the broker")
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return s.Engine.Run(gctx)
			})
			if s.Metrics != nil {
				g.Go(func() error {
					return s.Metrics.Serve(gctx, cfg.Metrics.Listen, logger)
				})
			}
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			g.Go(func() error {
				resetBreakersOn(gctx, hup, s.Breakers, logger)
				return nil
			})
			err = g.Wait()
			if err == nil || ctx.Err() != nil {
				logger.Info().Msg("Shutdown complete")
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

// cycleContext returns a context cancelled on interrupt for one-shot commands.
func cycleContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// resetBreakersOn closes every breaker each time sig fires, until ctx ends.
func resetBreakersOn(ctx context.Context, sig <-chan os.Signal, breakers []*resilience.CircuitBreaker, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			for _, b := range breakers {
				if st := b.State(); st != resilience.CircuitClosed {
					b.Reset()
					logger.Info().Str("breaker", b.Name()).Str("from", string(st)).Msg("Circuit breaker reset")
				}
			}
		}
	}
}
