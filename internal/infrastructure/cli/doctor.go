package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/doeshing/sidekick/internal/app"
	"github.com/doeshing/sidekick/internal/application/doctor"
	"github.com/doeshing/sidekick/internal/domain"
)

func newDoctorCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, storage and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.withContainer(cmd, func(c *app.Container) error {
				svc := &doctor.Service{
					Config: c.Config,
					Store:  c.Store,
					Routes: c.Router,
				}
				report := svc.Run(cmd.Context())
				displayDoctorReport(cmd.OutOrStdout(), report)
				if report.Failed() {
					return fmt.Errorf("diagnostics completed with errors")
				}
				return nil
			})
		},
	}
}

func displayDoctorReport(out io.Writer, report domain.HealthReport) {
	for _, check := range report.Checks {
		fmt.Fprintf(out, "[%s] %s - %s\n",
			strings.ToUpper(string(check.Status)),
			check.Name,
			check.Details)
	}
}
