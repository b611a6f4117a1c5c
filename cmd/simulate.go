package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/capture"
	"github.com/platevision/monitor-cli/internal/simulator"
)

var (
	simulatePort        int
	simulateScenario    string
	simulateFailureRate float64
	simulateRate        float64
	simulateJournal     string
	simulateSession     string
	simulateStaticDir   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted detection backend for development",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if simulatePort != 0 {
			cfg.Simulator.Port = simulatePort
		}
		if simulateScenario != "" {
			cfg.Simulator.Scenario = simulateScenario
		}
		if cmd.Flags().Changed("failure-rate") {
			cfg.Simulator.FailureRate = simulateFailureRate
		}
		if err := cfg.Validate("simulate"); err != nil {
			return err
		}

		var opts []simulator.Option
		if simulateRate > 0 {
			opts = append(opts, simulator.WithEventRate(simulateRate))
		}
		if simulateStaticDir != "" {
			opts = append(opts, simulator.WithStaticDir(simulateStaticDir))
		}

		if simulateJournal != "" {
			j, err := capture.NewJournal(simulateJournal)
			if err != nil {
				return err
			}
			defer j.Close()

			if err := j.Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate journal")
			}

			sessionID := simulateSession
			if sessionID == "" {
				sessionID, err = j.LatestSessionID(ctx)
				if err != nil {
					return err
				}
			}

			zap.L().Info("simulate: replaying captured session", zap.String("session_id", sessionID))
			opts = append(opts, simulator.WithFeeder(journalFeeder(j, sessionID)))
		}

		srv, err := simulator.New(cfg.Simulator, opts...)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

// journalFeeder replays a captured session with the original inter-frame
// gaps. Gaps over five seconds are trimmed so a quiet capture does not stall
// the replay.
func journalFeeder(j *capture.Journal, sessionID string) simulator.FeederFunc {
	const maxGap = 5 * time.Second

	return func(ctx context.Context, emit simulator.EmitFunc) error {
		var last time.Time
		return j.Replay(ctx, sessionID, func(f capture.Frame) error {
			if !last.IsZero() {
				gap := f.CapturedAt.Sub(last)
				if gap > maxGap {
					gap = maxGap
				}
				if gap > 0 {
					t := time.NewTimer(gap)
					select {
					case <-ctx.Done():
						t.Stop()
						return ctx.Err()
					case <-t.C:
					}
				}
			}
			last = f.CapturedAt
			return emit(ctx, f.Env)
		})
	}
}

func init() {
	simulateCmd.Flags().IntVar(&simulatePort, "port", 0, "listen port (default from config)")
	simulateCmd.Flags().StringVar(&simulateScenario, "scenario", "", "scenario YAML to play instead of generated traffic")
	simulateCmd.Flags().Float64Var(&simulateFailureRate, "failure-rate", 0, "fraction of lifecycles ending in ai_error (default from config)")
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "event rate limit in frames per second")
	simulateCmd.Flags().StringVar(&simulateJournal, "journal", "", "replay frames from a capture journal")
	simulateCmd.Flags().StringVar(&simulateSession, "session", "", "capture session to replay (default latest)")
	simulateCmd.Flags().StringVar(&simulateStaticDir, "static-dir", "", "serve asset files from this directory")
	rootCmd.AddCommand(simulateCmd)
}
