package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/doeshing/sidekick/internal/app"
)

// shutdownTimeout bounds the drain of in-flight commands when a command exits.
const shutdownTimeout = 10 * time.Second

// Options holds CLI-level configuration.
type Options struct {
	Verbose    bool
	ConfigPath string
	// In feeds interactive prompts; nil means stdin.
	In io.Reader
}

// runner builds the container on first use so that commands like version
// and config path never open the store.
type runner struct {
	opts *Options
}

func (r *runner) withContainer(cmd *cobra.Command, fn func(*app.Container) error) error {
	return r.build(cmd, false, fn)
}

// withOwnerContainer also recovers records left by a previous owner. Only
// serve runs it.
func (r *runner) withOwnerContainer(cmd *cobra.Command, fn func(*app.Container) error) error {
	return r.build(cmd, true, fn)
}

func (r *runner) build(cmd *cobra.Command, owner bool, fn func(*app.Container) error) (err error) {
	container, err := app.BuildContainer(cmd.Context(), app.Options{
		ConfigPath: r.opts.ConfigPath,
		Verbose:    r.opts.Verbose,
		Recover:    owner,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, container.Close(ctx))
	}()
	return fn(container)
}

func (r *runner) input() io.Reader {
	if r.opts.In != nil {
		return r.opts.In
	}
	return os.Stdin
}

// NewRootCmd wires the cobra root command.
func NewRootCmd(opts Options) *cobra.Command {
	r := &runner{opts: &opts}
	var submit submitOptions

	root := &cobra.Command{
		Use:   "sidekick [text]",
		Short: "Sidekick - a personal assistant that acts on what you ask",
		Long:  "Sidekick classifies natural language requests into intents and carries them out, tracking each command until it completes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runSubmit(cmd, r, submit, args)
		},
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "Config file (default ~/.sidekick/config.yaml, or $SIDEKICK_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", opts.Verbose, "Enable debug logging")
	submit.bind(root)

	root.AddCommand(
		newSubmitCommand(r),
		newServeCommand(r),
		newHistoryCommand(r),
		newListenCommand(r),
		newConfigCommand(r),
		newDoctorCommand(r),
		newVersionCommand(),
	)
	return root
}
