package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/processor"
)

func newRunCommand() *cobra.Command {
	var (
		timeout     time.Duration
		failOnError bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process pending objects once and exit",
		Long: `run lists up to pipeline.max_objects_per_run objects under the source
prefix, processes them and prints the run summary as JSON.

With --timeout the invocation is time-boxed: objects are not started once
less than pipeline.time_reserve remains, and in-flight work completes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := exitOnSignal(cmd.Context())
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.validate(ctx); err != nil {
				return err
			}
			sum, err := a.processor.ProcessPendingObjects(ctx)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), sum, failOnError)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Invocation deadline (0 for none)")
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "Exit non-zero when any item failed")
	return cmd
}

func newReplayCommand() *cobra.Command {
	var (
		deadLetter  bool
		failOnError bool
	)
	cmd := &cobra.Command{
		Use:   "replay <key>...",
		Short: "Process specific export objects, or re-submit dead letters",
		Long: `replay processes the given object keys from the source bucket regardless
of what a listing would return. With --dead-letter the arguments are
dead-letter ids instead, each re-submitted once and removed on success.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := exitOnSignal(cmd.Context())
			defer stop()

			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			return a.replay(ctx, cmd.OutOrStdout(), args, deadLetter, failOnError)
		},
	}
	cmd.Flags().BoolVar(&deadLetter, "dead-letter", false, "Treat arguments as dead-letter ids")
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "Exit non-zero when any item failed")
	return cmd
}

// replay validates dependencies like run does, then processes keys or
// re-submits dead letters.
func (a *app) replay(ctx context.Context, w io.Writer, args []string, deadLetter, failOnError bool) error {
	if err := a.validate(ctx); err != nil {
		return err
	}
	if deadLetter {
		return replayDeadLetters(ctx, a, w, args)
	}
	sum := a.processor.ProcessSpecificObjects(ctx, a.processor.Refs(args...))
	return report(w, sum, failOnError)
}

func replayDeadLetters(ctx context.Context, a *app, w io.Writer, ids []string) error {
	var errs []error
	for _, id := range ids {
		resp, err := a.processor.ReplayDeadLetter(ctx, id)
		if err != nil {
			a.logger.Error("Replay failed", zap.String("id", id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "%s: %s (%d accepted)\n", id, resp.Status, resp.AcceptedRecords)
	}
	return errors.Join(errs...)
}

func report(w io.Writer, sum *processor.Summary, failOnError bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}
	if failOnError && !sum.Succeeded() {
		return fmt.Errorf("%d items failed", sum.Failed)
	}
	return nil
}
