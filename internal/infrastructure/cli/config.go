package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/doeshing/sidekick/internal/app"
	"github.com/doeshing/sidekick/internal/infrastructure/config"
)

const msgConfigurationValid = "Configuration valid"

func newConfigCommand(r *runner) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect Sidekick configuration",
	}
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.NewFileLoader(r.opts.ConfigPath).Load(cmd.Context())
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration for problems",
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, _, err := app.LoadConfig(cmd.Context(), r.opts.ConfigPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msgConfigurationValid)
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), config.NewFileLoader(r.opts.ConfigPath).Path())
				return nil
			},
		},
	)
	return configCmd
}
