package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/doeshing/sidekick/internal/app"
	"github.com/doeshing/sidekick/internal/domain"
)

const msgNoHistoryRecorded = "No commands recorded yet."

func newHistoryCommand(r *runner) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded commands",
	}
	historyCmd.AddCommand(
		newHistoryListCommand(r),
		newHistoryShowCommand(r),
		newHistoryPruneCommand(r),
	)
	return historyCmd
}

func newHistoryListCommand(r *runner) *cobra.Command {
	var (
		limit   int
		status  string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent commands, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withContainer(cmd, func(c *app.Container) error {
				records, err := c.Session.History(cmd.Context(), domain.CommandQuery{
					Status: domain.CommandStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(records)
				}
				if len(records) == 0 {
					fmt.Fprintln(out, msgNoHistoryRecorded)
					return nil
				}
				renderHistory(out, records, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", domain.DefaultHistoryLimit, "Max entries to show")
	cmd.Flags().StringVar(&status, "status", "", "Only show pending, running, completed or failed commands")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print records as JSON")
	return cmd
}

func newHistoryShowCommand(r *runner) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withContainer(cmd, func(c *app.Container) error {
				rec, err := c.Session.Command(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return renderRecord(cmd.OutOrStdout(), rec, jsonOut)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the record as JSON")
	return cmd
}

func newHistoryPruneCommand(r *runner) *cobra.Command {
	var (
		days int
		yes  bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed and failed commands older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("%w: --days must be >= 0", domain.ErrInvalidInput)
			}
			return r.withContainer(cmd, func(c *app.Container) error {
				window := days
				if window == 0 {
					window = c.Config.Store.RetentionDays
				}
				if !yes {
					ok, err := NewPrompter(r.input(), cmd.OutOrStdout()).
						Confirm(fmt.Sprintf("Delete finished commands older than %d days?", window))
					if err != nil || !ok {
						return err
					}
				}
				removed, err := c.PruneExpired(cmd.Context(), time.Now(), window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d command(s).\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (default store.retention_days)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
