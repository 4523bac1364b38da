package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/doeshing/sidekick/internal/app"
	"github.com/doeshing/sidekick/internal/domain"
)

type submitOptions struct {
	timeout time.Duration
	jsonOut bool
	quiet   bool
}

func (o *submitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "Stop waiting after this long (the command keeps running until shutdown)")
	cmd.Flags().BoolVar(&o.jsonOut, "json", false, "Print the final record as JSON")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "Hide the progress spinner")
}

func newSubmitCommand(r *runner) *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "submit [text]",
		Short: "Submit a request and wait for its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, r, opts, args)
		},
	}
	opts.bind(cmd)
	return cmd
}

func runSubmit(cmd *cobra.Command, r *runner, opts submitOptions, args []string) error {
	text := strings.Join(args, " ")
	return r.withContainer(cmd, func(c *app.Container) error {
		ctx := cmd.Context()
		handle, err := c.Session.Submit(ctx, text)
		if err != nil {
			return err
		}

		stopProgress := func() {}
		if !opts.quiet && !opts.jsonOut && isTerminal(cmd.ErrOrStderr()) {
			spinner := NewSpinner(cmd.ErrOrStderr())
			sub, err := handle.Subscribe(ctx, spinner.Observe)
			if err != nil {
				return err
			}
			spinner.Start()
			stopProgress = func() {
				sub.Unsubscribe()
				spinner.Stop()
			}
		}

		waitCtx := ctx
		if opts.timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
			defer cancel()
		}
		rec, err := handle.Wait(waitCtx)
		stopProgress()
		if err != nil {
			return fmt.Errorf("command %s is still %s: %w", handle.ID(), rec.Status, err)
		}
		if err := renderRecord(cmd.OutOrStdout(), rec, opts.jsonOut); err != nil {
			return err
		}
		if rec.Status == domain.StatusFailed {
			return fmt.Errorf("command %s failed", rec.ID)
		}
		return nil
	})
}
