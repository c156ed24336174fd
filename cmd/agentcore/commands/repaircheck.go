package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/shket/agentcore/pkg/agentcore/dispatcher"
	"github.com/shket/agentcore/pkg/agentcore/healing"
	"github.com/shket/agentcore/pkg/agentcore/llm"
	"github.com/shket/agentcore/pkg/agentcore/runtime"
	"github.com/shket/agentcore/pkg/agentcore/store"
)

// newRepairCheckCmd creates the `agentcore repair-check` command: the
// scheduled sweep that re-dispatches resumable tasks still marked running
// (§4.6.3). Grounded in original_source/agent/self_repair_cron.py's
// hourly-cron shape, narrowed to this core's scope — re-dispatching
// interrupted agent tasks, not the original's codebase git/PR automation,
// which belongs to a separate deployment tool outside this spec (§11).
func newRepairCheckCmd() *cobra.Command {
	var watch bool
	var schedule string

	cmd := &cobra.Command{
		Use:   "repair-check",
		Short: "Sweep and resume interrupted tasks",
		Long: `Run the boot-time resumable-task sweep on demand: any task still
marked running is either re-dispatched with a resume prompt or, once it
has exhausted its resume budget, marked failed.

With --watch, runs on a cron schedule (default hourly) instead of once.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if watch {
				return watchRepairCheck(cmd, schedule)
			}
			return runRepairCheckOnce(cmd)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "run continuously on a cron schedule")
	cmd.Flags().StringVar(&schedule, "schedule", "@hourly", "cron schedule expression for --watch")
	return cmd
}

func buildSweepRuntime(cmd *cobra.Command) (*runtime.Runtime, *store.Store, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := buildLogger(cmd, cfg)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	transport := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, logger)
	runner := healing.NewRunner(st, transport,
		cfg.Healing.MaxRetries, cfg.Healing.MaxMessageHistory,
		cfg.Healing.MaxWaitSeconds, cfg.Healing.KeepRecent, logger)
	disp := dispatcher.New(logger)
	rt := runtime.New(st, disp, runner, cfg.AgentID, cfg.Healing.MaxResumeCount, nil, logger)
	return rt, st, nil
}

func runRepairCheckOnce(cmd *cobra.Command) error {
	rt, st, err := buildSweepRuntime(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if err := rt.Sweep(ctx, store.ScopeMain); err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	// Sweep only dispatches the resumed runs; wait for them to finish
	// before returning closes the store.
	for len(rt.QueuedByChat()) > 0 {
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("repair-check: sweep complete")
	return nil
}

func watchRepairCheck(cmd *cobra.Command, schedule string) error {
	rt, st, err := buildSweepRuntime(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		ctx := context.Background()
		if err := rt.Sweep(ctx, store.ScopeMain); err != nil {
			rt.Logger.Error("scheduled sweep failed", "error", err)
			return
		}
		rt.Logger.Info("scheduled sweep complete")
	})
	if err != nil {
		return fmt.Errorf("scheduling repair-check: %w", err)
	}

	fmt.Printf("repair-check: watching on schedule %q (Ctrl+C to stop)\n", schedule)
	c.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}
