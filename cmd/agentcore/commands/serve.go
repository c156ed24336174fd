package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shket/agentcore/adapter"
	"github.com/shket/agentcore/pkg/agentcore/config"
	"github.com/shket/agentcore/pkg/agentcore/dispatcher"
	"github.com/shket/agentcore/pkg/agentcore/healing"
	"github.com/shket/agentcore/pkg/agentcore/llm"
	"github.com/shket/agentcore/pkg/agentcore/runtime"
	"github.com/shket/agentcore/pkg/agentcore/store"
)

// newServeCmd creates the `agentcore serve` command that starts the
// daemon: it opens the store, runs the boot-time resumable-task sweeper,
// then reads goals from stdin as a stand-in front-end adapter until
// interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agentcore daemon",
		Long: `Start agentcore as a long-running process: opens the session
store, sweeps any tasks left running from a prior crash, and processes
inbound chat events through the Dispatcher and Self-Healing Loop.

Examples:
  agentcore serve
  agentcore serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	transport := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, logger)
	runner := healing.NewRunner(st, transport,
		cfg.Healing.MaxRetries, cfg.Healing.MaxMessageHistory,
		cfg.Healing.MaxWaitSeconds, cfg.Healing.KeepRecent, logger)
	disp := dispatcher.New(logger)

	const chatID = 1
	out := make(chan string, 16)
	notifier := stdoutNotifier{out: out}

	rt := runtime.New(st, disp, runner, cfg.AgentID, cfg.Healing.MaxResumeCount, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Sweep(ctx, store.ScopeMain); err != nil {
		logger.Error("boot-time sweep failed", "error", err)
	}

	// The output printer and the stdin listener are coordinated with an
	// errgroup so a failure in either tears down the other via ctx, and
	// shutdown can wait for both to actually drain instead of firing and
	// forgetting two bare goroutines.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case text, ok := <-out:
				if !ok {
					return nil
				}
				fmt.Println(text)
			case <-gctx.Done():
				return nil
			}
		}
	})

	cli := &adapter.CLIAdapter{
		ChatID: chatID,
		Input:  stdinLines(gctx),
		Output: func(text string) { out <- text },
	}
	g.Go(func() error {
		if err := cli.Listen(gctx, func(e adapter.Event) {
			if handleAdminCommand(rt, e, cli) {
				return
			}
			rt.HandleEvent(gctx, store.ScopeMain, dispatcher.Event{
				ChatID: e.ChatID, UserID: e.UserID, Text: e.Text, Provider: e.Provider,
			})
		}); err != nil && err != context.Canceled {
			return fmt.Errorf("cli adapter listen: %w", err)
		}
		return nil
	})

	logger.Info("agentcore running. Press Ctrl+C to stop.", "agent_id", cfg.AgentID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("shutdown reported an error", "error", err)
		} else {
			logger.Info("shutdown complete")
		}
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// handleAdminCommand implements §6.4's "/status and /tasks" admin surface
// directly in the CLI adapter: these read-only queries hit the live
// Dispatcher in this process and can't go through the Store-backed `status`/
// `tasks` subcommands, which only ever see a separate process's database.
// Reports true when e.Text was an admin command (and so was handled here,
// not dispatched to the healing loop).
func handleAdminCommand(rt *runtime.Runtime, e adapter.Event, cli *adapter.CLIAdapter) bool {
	switch e.Text {
	case "/tasks":
		running := rt.RunningTasks()
		if len(running) == 0 {
			cli.Reply(context.Background(), e.ChatID, "no tasks currently running")
			return true
		}
		var b strings.Builder
		for _, t := range running {
			fmt.Fprintf(&b, "#%d chat=%d provider=%s started=%s text=%q\n",
				t.ID, t.ChatID, t.Provider, t.StartedAt.Format(time.RFC3339), t.Text)
		}
		cli.Reply(context.Background(), e.ChatID, strings.TrimRight(b.String(), "\n"))
		return true
	case "/status":
		queued := rt.QueuedByChat()
		if len(queued) == 0 {
			cli.Reply(context.Background(), e.ChatID, "no chats queued")
			return true
		}
		var b strings.Builder
		for chatID, n := range queued {
			fmt.Fprintf(&b, "chat=%d queued=%d\n", chatID, n)
		}
		cli.Reply(context.Background(), e.ChatID, strings.TrimRight(b.String(), "\n"))
		return true
	default:
		return false
	}
}

type stdoutNotifier struct {
	out chan<- string
}

func (n stdoutNotifier) Notify(ctx context.Context, chatID int64, text string) {
	select {
	case n.out <- text:
	case <-ctx.Done():
	}
}

func stdinLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// resolveConfig loads config from an explicit --config path, or falls back
// to auto-discovery, or the baked-in defaults.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	return config.DefaultConfig(), nil
}
