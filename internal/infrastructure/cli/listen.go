package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/doeshing/sidekick/internal/app"
	"github.com/doeshing/sidekick/internal/application/assistant"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

func newListenCommand(r *runner) *cobra.Command {
	var (
		req     ports.CaptureRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Transcribe a recording and submit it as a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.AudioPath == "" {
				return fmt.Errorf("%w: --file is required", domain.ErrInvalidInput)
			}
			return r.withContainer(cmd, func(c *app.Container) error {
				return listen(cmd, c.Session, req, jsonOut)
			})
		},
	}
	cmd.Flags().StringVarP(&req.AudioPath, "file", "f", "", "Audio file to transcribe")
	cmd.Flags().StringVar(&req.Language, "language", "", "Spoken language hint, e.g. en")
	cmd.Flags().StringVar(&req.Prompt, "prompt", "", "Vocabulary hint passed to the recognizer")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the resulting record as JSON")
	return cmd
}

func listen(cmd *cobra.Command, session *assistant.Session, req ports.CaptureRequest, jsonOut bool) error {
	ctx := cmd.Context()
	started := time.Now().UTC()
	if err := session.StartListening(ctx, req); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Listening...")

	captured := make(chan struct{})
	go func() {
		session.WaitVoice()
		close(captured)
	}()
	select {
	case <-captured:
	case <-ctx.Done():
		session.StopListening()
		<-captured
		return ctx.Err()
	}

	records, err := session.History(ctx, domain.CommandQuery{Limit: 1})
	if err != nil {
		return err
	}
	if len(records) == 0 || records[0].CreatedAt.Before(started.Truncate(time.Millisecond)) {
		return fmt.Errorf("no speech was recognized in %s", req.AudioPath)
	}
	rec, err := waitTerminal(ctx, session, records[0].ID)
	if err != nil {
		return err
	}
	return renderRecord(cmd.OutOrStdout(), rec, jsonOut)
}

// waitTerminal blocks until the command is Completed or Failed.
func waitTerminal(ctx context.Context, session *assistant.Session, id string) (domain.CommandRecord, error) {
	final := make(chan domain.CommandRecord, 1)
	sub, err := session.Subscribe(ctx, id, func(rec domain.CommandRecord) {
		if rec.Status.Terminal() {
			select {
			case final <- rec:
			default:
			}
		}
	})
	if err != nil {
		return domain.CommandRecord{}, err
	}
	defer sub.Unsubscribe()

	select {
	case rec := <-final:
		return rec, nil
	case <-ctx.Done():
		return domain.CommandRecord{}, ctx.Err()
	}
}
