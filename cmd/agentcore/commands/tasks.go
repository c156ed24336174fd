package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shket/agentcore/pkg/agentcore/store"
)

// newTasksCmd creates the `agentcore tasks` command group for inspecting
// the resumable task ledger (§4.6, §6.4).
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect resumable tasks",
	}
	cmd.AddCommand(newTasksListCmd())
	return cmd
}

func newTasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks currently marked running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := buildLogger(cmd, cfg)
			st, err := store.Open(cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			tasks, err := st.ListRunningTasks()
			if err != nil {
				return fmt.Errorf("listing running tasks: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Println("no running tasks")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("#%d session=%d chat=%d resumes=%d goal=%q\n",
					t.ID, t.SessionID, t.ChatID, t.ResumeCount, t.Goal)
			}
			return nil
		},
	}
}
