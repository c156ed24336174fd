package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `agentcore config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.LLM.APIKey != "" {
				redacted.LLM.APIKey = "***"
			}
			out, err := yaml.Marshal(redacted)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
