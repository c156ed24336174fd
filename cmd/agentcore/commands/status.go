package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shket/agentcore/pkg/agentcore/store"
)

// newStatusCmd creates the `agentcore status` command, surfacing the §6.4
// admin view for a single session.
func newStatusCmd() *cobra.Command {
	var sessionID int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session statistics",
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

			stats, err := st.SessionStats(sessionID, 10)
			if err != nil {
				return fmt.Errorf("fetching session stats: %w", err)
			}

			fmt.Printf("session %d (chat %d)\n", stats.SessionID, stats.ChatID)
			fmt.Printf("  messages:       %d\n", stats.MessageCount)
			fmt.Printf("  uptime:         %.0fs\n", stats.UptimeSeconds)
			fmt.Printf("  idle:           %.0fs\n", stats.IdleSeconds)
			fmt.Printf("  estimated tokens: %d\n", stats.EstimatedToken)
			for _, m := range stats.LastMessages {
				fmt.Printf("  [%s] %s\n", m.Role, m.ContentPreview)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id to inspect")
	return cmd
}
