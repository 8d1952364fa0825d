package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/manager"
	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the coordination store",
}

var storeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Clear every task mapping and worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("store init deletes all tasks; pass --yes to confirm")
		}
		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			if err := mgr.InitStore(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Store initialized")
			return nil
		})
	},
}

func init() {
	storeCmd.AddCommand(storeInitCmd)
	storeInitCmd.Flags().Bool("yes", false, "Confirm deleting all data")
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskLoadCmd = &cobra.Command{
	Use:   "load FILE",
	Short: "Add the tasks in FILE to todo",
	Long: `Add the tasks in FILE to todo, one task per line:

  type:priority:min_dram_gb:cpu_cores:params

Tasks that are already finished, in progress or queued are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			res, err := mgr.LoadTasks(ctx, args[0])
			if err != nil {
				return err
			}
			for _, line := range res.Invalid {
				fmt.Fprintf(os.Stderr, "task format error: %s\n", line)
			}
			fmt.Printf("load %d tasks, add %d tasks\n", res.Loaded, res.Added)
			return nil
		})
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts and listings",
	RunE:  runTaskStatus,
}

var taskRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Move failed tasks back to todo and clear failure reasons",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			n, err := mgr.RequeueFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ %d failed tasks moved to todo\n", n)
			return nil
		})
	},
}

var taskRequeueInProgressCmd = &cobra.Command{
	Use:   "requeue-in-progress",
	Short: "Move every in-progress task back to todo",
	Long: `Move every in-progress task back to todo regardless of which worker
holds it. Stop all workers first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			n, err := mgr.RequeueInProgress(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ %d in-progress tasks moved to todo\n", n)
			return nil
		})
	},
}

var taskClearFinishedCmd = &cobra.Command{
	Use:   "clear-finished",
	Short: "Delete finished tasks and their results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			n, err := mgr.RemoveFinished(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ %d finished tasks removed\n", n)
			return nil
		})
	},
}

var taskStopWorkersCmd = &cobra.Command{
	Use:   "stop-workers",
	Short: "Tell every worker to finish its tasks and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			if err := mgr.StopWorkers(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Stop marker set; run resume-workers before starting new workers")
			return nil
		})
	},
}

var taskResumeWorkersCmd = &cobra.Command{
	Use:   "resume-workers",
	Short: "Remove the stop marker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			if err := mgr.ResumeWorkers(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Stop marker removed")
			return nil
		})
	},
}

func init() {
	taskCmd.AddCommand(taskLoadCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskRetryFailedCmd)
	taskCmd.AddCommand(taskRequeueInProgressCmd)
	taskCmd.AddCommand(taskClearFinishedCmd)
	taskCmd.AddCommand(taskStopWorkersCmd)
	taskCmd.AddCommand(taskResumeWorkersCmd)

	taskStatusCmd.Flags().String("include", "", "Only show tasks containing this string")
	taskStatusCmd.Flags().String("exclude", "", "Hide tasks containing this string (ignored with --include)")
	taskStatusCmd.Flags().Bool("todo", true, "Show todo tasks")
	taskStatusCmd.Flags().Bool("in-progress", true, "Show in-progress tasks")
	taskStatusCmd.Flags().Bool("finished", true, "Show finished tasks")
	taskStatusCmd.Flags().Bool("failed", true, "Show failed tasks")
	taskStatusCmd.Flags().Bool("failed-reason", true, "Show failure reasons")
	taskStatusCmd.Flags().Bool("result", true, "Show the stdout of finished tasks")
}

func section(title string) {
	bar := strings.Repeat("##", 24)
	fmt.Printf("%s  %s  %s\n", bar, title, bar)
}

func printEntries(entries []manager.Entry, withValue bool) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	for _, e := range entries {
		if withValue {
			fmt.Fprintf(tw, "%s\t%s\n", e.Task, e.Value)
		} else {
			fmt.Fprintln(tw, e.Task)
		}
	}
	tw.Flush()
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	include, _ := flags.GetString("include")
	exclude, _ := flags.GetString("exclude")
	showTodo, _ := flags.GetBool("todo")
	showInProgress, _ := flags.GetBool("in-progress")
	showFinished, _ := flags.GetBool("finished")
	showFailed, _ := flags.GetBool("failed")
	showReason, _ := flags.GetBool("failed-reason")
	showResult, _ := flags.GetBool("result")

	return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
		status, err := mgr.TaskStatus(ctx, manager.Filter{Include: include, Exclude: exclude})
		if err != nil {
			return err
		}

		fmt.Printf("%d todo tasks, %d in_progress tasks, %d finished tasks, %d failed tasks\n\n",
			status.TodoCount, status.InProgressCount, status.FinishedCount, status.FailedCount)

		if showTodo {
			section("todo task")
			printEntries(status.Todo, false)
		}
		if showInProgress {
			section("in_progress task")
			printEntries(status.InProgress, true)
		}
		if showFinished {
			section("finished task")
			printEntries(status.Finished, showResult)
		}
		if showFailed {
			section("failed task")
			printEntries(status.Failed, true)
		}
		if showReason && len(status.FailReasons) > 0 {
			section("task fail reason")
			printEntries(status.FailReasons, true)
		}
		return nil
	})
}

// Worker report
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Show worker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		include, _ := cmd.Flags().GetString("include")
		exclude, _ := cmd.Flags().GetString("exclude")
		active, _ := cmd.Flags().GetDuration("active-within")

		return withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
			report, err := mgr.WorkerReport(ctx, manager.Filter{Include: include, Exclude: exclude}, active)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "WORKER\tLAST REPORT\tCORES USED\tCORES TOTAL\tDRAM USED (GB)\tDRAM TOTAL (GB)\tIN PROGRESS\tFINISHED\t")
			for _, w := range report {
				if w.Malformed {
					fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t%d\t%d\t\n", w.Name, "malformed", w.InFlight, w.Finished)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.0f\t%.2f\t%.2f\t%d\t%d\t\n",
					w.Name,
					w.SinceReport.Truncate(time.Second),
					w.Status.UsedCores, w.Status.TotalCores,
					w.Status.UsedDRAMGB, w.Status.TotalDRAMGB,
					w.InFlight, w.Finished)
			}
			return tw.Flush()
		})
	},
}

func init() {
	workersCmd.Flags().String("include", "", "Only show workers containing this string")
	workersCmd.Flags().String("exclude", "", "Hide workers containing this string (ignored with --include)")
	workersCmd.Flags().Duration("active-within", 0, "Only show workers that reported within this duration")
}
