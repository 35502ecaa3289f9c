package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/0xMugen/othala/internal/config"
	"github.com/0xMugen/othala/internal/daemon"
	"github.com/0xMugen/othala/internal/dispatch"
	"github.com/0xMugen/othala/internal/events"
	"github.com/0xMugen/othala/internal/metrics"
	"github.com/0xMugen/othala/internal/pipeline"
	"github.com/0xMugen/othala/internal/store"
	"github.com/0xMugen/othala/internal/supervisor"
	"github.com/0xMugen/othala/internal/task"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "othala",
		Short: "Autonomous orchestrator for AI coder agents",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default .othala/config.toml)")

	root.AddCommand(
		daemonCmd(),
		createTaskCmd(),
		listTasksCmd(),
		statusCmd(),
		chatCmd(),
		reviewApproveCmd(),
		deleteCmd(),
	)

	// Bare invocation runs the daemon.
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "daemon")
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.OrgConfig, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

func openStore(ctx context.Context, cfg *config.OrgConfig) (*store.Store, error) {
	return store.Open(ctx, cfg.SQLitePath(), cfg.EventLogRoot())
}

func daemonCmd() *cobra.Command {
	var (
		once           bool
		exitOnIdle     bool
		timeoutSecs    int
		skipContextGen bool
		skipQA         bool
		verifyCommand  string
		metricsAddr    string
		tickMillis     int
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduler ticks until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if verifyCommand != "" {
				for id, repo := range cfg.Repos {
					repo.VerifyQuick = verifyCommand
					cfg.Repos[id] = repo
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(metricsAddr); err != nil {
						log.Printf("WARNING: metrics server failed: %v", err)
					}
				}()
			}

			bus := events.NewBus()
			defer bus.Close()

			pm := supervisor.NewProcessManager()
			sup := supervisor.New(pm)
			d := daemon.New(cfg, st, bus, sup, dispatch.New(cfg), pipeline.New(cfg), daemon.Options{
				TickInterval:   time.Duration(tickMillis) * time.Millisecond,
				Once:           once,
				ExitOnIdle:     exitOnIdle,
				Timeout:        time.Duration(timeoutSecs) * time.Second,
				SkipQA:         skipQA,
				SkipContextGen: skipContextGen,
				VerifyCommand:  verifyCommand,
			})

			log.Printf("othala daemon starting (state root %s)", cfg.StateRoot)
			return d.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	cmd.Flags().BoolVar(&exitOnIdle, "exit-on-idle", false, "exit when no live tasks remain")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "stop after this many seconds")
	cmd.Flags().BoolVar(&skipContextGen, "skip-context-gen", false, "skip background context generation")
	cmd.Flags().BoolVar(&skipQA, "skip-qa", false, "skip QA-role dispatch")
	cmd.Flags().StringVar(&verifyCommand, "verify-command", "", "override every repo's quick verify command")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&tickMillis, "tick-interval-ms", 2000, "tick interval in milliseconds")
	return cmd
}

func createTaskCmd() *cobra.Command {
	var specJSON string

	cmd := &cobra.Command{
		Use:   "create-task",
		Short: "Insert a task from a JSON spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var params daemon.CreateParams
			if err := json.Unmarshal([]byte(specJSON), &params); err != nil {
				return fmt.Errorf("bad task spec: %w", err)
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := daemon.Create(ctx, cfg, st, params)
			if err != nil {
				return err
			}
			fmt.Printf("Created task %s (%s)\n", t.ID, t.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&specJSON, "spec", "", "task spec as JSON")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func listTasksCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list-tasks",
		Short: "Snapshot of all tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}
			fmt.Print(renderTaskTable(tasks))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "One task's state, retry count and failure reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := st.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(t)
			}
			fmt.Print(renderTaskDetail(t))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Convenience task creation and listing",
	}
	cmd.AddCommand(chatNewCmd(), chatListCmd())
	return cmd
}

func chatNewCmd() *cobra.Command {
	var (
		repoID string
		title  string
		model  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a task and report its branch and worktree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := daemon.Create(ctx, cfg, st, daemon.CreateParams{
				RepoID:         repoID,
				Title:          title,
				PreferredModel: model,
			})
			if err != nil {
				return err
			}

			out := struct {
				ID           string `json:"id"`
				BranchName   string `json:"branch_name"`
				WorktreePath string `json:"worktree_path"`
			}{
				ID:           t.ID,
				BranchName:   pipeline.BranchName(t.ID),
				WorktreePath: filepath.Join(cfg.WorktreesRoot(), t.ID),
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(out)
			}
			fmt.Printf("Created chat %s\n  branch:   %s\n  worktree: %s\n", out.ID, out.BranchName, out.WorktreePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&model, "model", "", "preferred model")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func chatListCmd() *cobra.Command {
	var (
		repoID string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Tasks filtered to one repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			// Default to the sole configured repo when unambiguous.
			if repoID == "" && len(cfg.Repos) == 1 {
				for id := range cfg.Repos {
					repoID = id
				}
			}
			if repoID == "" {
				return fmt.Errorf("multiple repos configured; pass --repo")
			}

			tasks, err := st.ListRepoTasks(ctx, repoID)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}
			fmt.Print(renderTaskTable(tasks))
			return nil
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "repository id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func reviewApproveCmd() *cobra.Command {
	var (
		taskID   string
		reviewer string
		verdict  string
	)

	cmd := &cobra.Command{
		Use:   "review-approve",
		Short: "Record a review verdict for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := daemon.RecordReview(ctx, st, taskID, reviewer, verdict)
			if err != nil {
				return err
			}
			fmt.Printf("Recorded %s by %s on %s (state %s)\n", verdict, reviewer, t.ID, t.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task id")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer name")
	cmd.Flags().StringVar(&verdict, "verdict", "", "approve, request_changes or block")
	_ = cmd.MarkFlagRequired("task-id")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Cancel and purge a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := st.GetTask(ctx, args[0])
			if err != nil {
				return err
			}

			if !t.State.Terminal() {
				ev, err := events.New(t.ID, events.KindCancelled, nil)
				if err != nil {
					return err
				}
				if _, err := st.Apply(ctx, ev); err != nil {
					return err
				}
				sc, err := events.New(t.ID, events.KindStateChanged, events.StateChanged{
					From:   string(t.State),
					To:     string(task.StateStopped),
					Reason: "cancelled",
				})
				if err != nil {
					return err
				}
				if _, err := st.Apply(ctx, sc); err != nil {
					return err
				}
			}

			if t.WorktreePath != "" || t.Branch != "" {
				if err := pipeline.New(cfg).Release(t); err != nil {
					log.Printf("WARNING: failed to release worktree for %s: %v", t.ID, err)
				}
			}
			if err := st.DeleteTask(ctx, t.ID); err != nil {
				return err
			}
			fmt.Printf("Deleted task %s\n", t.ID)
			return nil
		},
	}
	return cmd
}
