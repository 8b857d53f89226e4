// Command orchestratorctl is the operator's terminal interface onto the
// control plane: enqueue work, drive a manual scheduler tick, approve or
// reject a pending work item, and requeue a stuck work item or run. It
// talks to the same store the server uses rather than the HTTP API, so
// it works against a store with no orchestratord running. Modeled on
// the teacher's cobra_cli.go root-command-plus-subcommands shape.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/orchestrator/controlplane/internal/approval"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/config"
	"github.com/orchestrator/controlplane/internal/logging"
	"github.com/orchestrator/controlplane/internal/quota"
	"github.com/orchestrator/controlplane/internal/scheduler"
	"github.com/orchestrator/controlplane/internal/store"
	"github.com/orchestrator/controlplane/internal/store/memstore"
	"github.com/orchestrator/controlplane/internal/store/sqlstore"
)

// ctlContext is the set of collaborators every subcommand needs; built
// once in PersistentPreRunE and torn down in PersistentPostRun.
type ctlContext struct {
	store   store.Store
	closeFn func()
	gate    *approval.Gate
	sched   *scheduler.Scheduler
	logger  logging.Logger
}

func main() {
	var configPath string
	var cctx ctlContext

	root := &cobra.Command{
		Use:   "orchestratorctl",
		Short: "operate the control plane: enqueue, tick, approve, requeue",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.NewComponentLogger("orchestratorctl")
			st, closeFn, err := buildStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			gate := approval.New(st, clock.Real, cfg.RequireApproval)
			cctx = ctlContext{
				store:   st,
				closeFn: closeFn,
				gate:    gate,
				sched:   scheduler.New(st, gate, quota.New(), clock.Real, logger),
				logger:  logger,
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cctx.closeFn != nil {
				cctx.closeFn()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional; env vars and defaults otherwise)")

	root.AddCommand(newEnqueueCommand(&cctx))
	root.AddCommand(newTickCommand(&cctx))
	root.AddCommand(newListQueueCommand(&cctx))
	root.AddCommand(newApproveCommand(&cctx))
	root.AddCommand(newRequeueWorkItemCommand(&cctx))
	root.AddCommand(newRequeueRunCommand(&cctx))

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return memstore.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	st := sqlstore.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, pool.Close, nil
}

func newEnqueueCommand(cctx *ctlContext) *cobra.Command {
	var dependsOn string
	var priority, delaySeconds int
	cmd := &cobra.Command{
		Use:   "enqueue <work-item-id>",
		Short: "add a work item to the scheduling queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := cctx.sched.Enqueue(cmd.Context(), args[0], dependsOn, priority, delaySeconds)
			if err != nil {
				return err
			}
			fmt.Printf("queued %s for work item %s (state=%s, scheduled_for=%s)\n",
				entry.ID, entry.WorkItemID, entry.State, entry.ScheduledFor.Format("15:04:05"))
			return nil
		},
	}
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "work item ID whose most recent terminal run must have succeeded first")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first among otherwise-ready entries")
	cmd.Flags().IntVar(&delaySeconds, "delay", 0, "seconds to wait before this entry becomes eligible")
	return cmd
}

func newTickCommand(cctx *ctlContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "run one scheduler pass, promoting every eligible queue entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := cctx.sched.Tick(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("tick: %d pass(es), %d promotion(s)\n", summary.Passes, len(summary.Promoted))
			for _, p := range summary.Promoted {
				fmt.Printf("  work_item=%s run=%s queue_entry=%s\n", p.WorkItemID, p.RunID, p.QueueEntryID)
			}
			return nil
		},
	}
}

func newListQueueCommand(cctx *ctlContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list-queue",
		Short: "show every entry in the scheduling queue, including consumed ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := cctx.sched.ListQueue(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			for _, e := range entries {
				depends := ""
				if e.DependsOnWorkItem != "" {
					depends = " depends_on=" + e.DependsOnWorkItem
				}
				fmt.Printf("%s work_item=%s priority=%d scheduled_for=%s%s\n",
					e.ID, e.WorkItemID, e.Priority, e.ScheduledFor.Format("15:04:05"), depends)
			}
			return nil
		},
	}
}

func newApproveCommand(cctx *ctlContext) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <work-item-id>",
		Short: "interactively approve or reject the pending approval request for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approver := approval.NewCLIApprover(cctx.gate, promptYesNo)
			req, err := approver.ApproveInteractively(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("approval request %s is now %s\n", req.ID, req.State)
			return nil
		},
	}
}

// promptYesNo reads a single y/n answer from stdin, grounded on the
// teacher's terminal-prompt helpers in cmd/cobra_cli.go.
func promptYesNo(workItemID string) (bool, error) {
	fmt.Printf("approve work item %s? [y/N]: ", workItemID)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func newRequeueWorkItemCommand(cctx *ctlContext) *cobra.Command {
	var priority, delaySeconds int
	cmd := &cobra.Command{
		Use:   "requeue-work-item <work-item-id>",
		Short: "re-enqueue a work item outside of its normal retry schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := cctx.sched.RequeueWorkItem(cmd.Context(), args[0], priority, delaySeconds)
			if err != nil {
				return err
			}
			fmt.Printf("requeued work item %s as entry %s\n", args[0], entry.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first among otherwise-ready entries")
	cmd.Flags().IntVar(&delaySeconds, "delay", 0, "seconds to wait before this entry becomes eligible")
	return cmd
}

func newRequeueRunCommand(cctx *ctlContext) *cobra.Command {
	var priority, delaySeconds int
	cmd := &cobra.Command{
		Use:   "requeue-run <run-id>",
		Short: "requeue the work item behind a specific stuck or failed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := cctx.sched.RequeueRun(cmd.Context(), args[0], priority, delaySeconds)
			if err != nil {
				return err
			}
			fmt.Printf("requeued run %s as entry %s\n", args[0], entry.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first among otherwise-ready entries")
	cmd.Flags().IntVar(&delaySeconds, "delay", 0, "seconds to wait before this entry becomes eligible")
	return cmd
}
