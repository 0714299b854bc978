package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/batchpool"
)

func createCmd(a *app) *cobra.Command {
	var (
		name, jobType, file string
		inputs              []string
		concurrency         int
		retryAttempts       int
		retryDelay          time.Duration
		itemDelay           time.Duration
		stopOnError         bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending job from JSON inputs",
		Long: "Create a pending job. Items come from --input (one JSON value per flag) " +
			"or --file (one JSON value per line, \"-\" for stdin), in sequence order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]json.RawMessage, 0, len(inputs))
			for _, in := range inputs {
				items = append(items, json.RawMessage(in))
			}
			if file != "" {
				fromFile, err := readInputs(file)
				if err != nil {
					return err
				}
				items = append(items, fromFile...)
			}

			cfg := a.config.Exec
			if cmd.Flags().Changed("concurrency") {
				cfg.Concurrency = concurrency
			}
			if cmd.Flags().Changed("retry-attempts") {
				cfg.RetryAttempts = retryAttempts
			}
			if cmd.Flags().Changed("retry-delay") {
				cfg.RetryDelay = retryDelay
			}
			if cmd.Flags().Changed("item-delay") {
				cfg.DelayBetweenItems = itemDelay
			}
			if cmd.Flags().Changed("stop-on-error") {
				cfg.StopOnError = stopOnError
			}

			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			job, _, err := ctrl.CreateJob(cmd.Context(), batchpool.JobSpec{
				Name:   name,
				Type:   jobType,
				Inputs: items,
				Config: &cfg,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s created with %d items (estimated cost %.4f).\n",
				job.ID, job.TotalItems, derefCost(job.EstimatedCost))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Job name")
	cmd.Flags().StringVar(&jobType, "type", "generation", "Job type")
	cmd.Flags().StringVar(&file, "file", "", "File with one JSON input per line")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "JSON input of one item (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Worker count")
	cmd.Flags().IntVar(&retryAttempts, "retry-attempts", 0, "Additional attempts after the first")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", 0, "Base retry backoff")
	cmd.Flags().DurationVar(&itemDelay, "item-delay", 0, "Delay between items per worker")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Abort the job on the first failed item")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runCmd(a *app) *cobra.Command {
	var tuning string

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Start a pending job and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := tuningOption(tuning)
			if err != nil {
				return err
			}
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			if err := ctrl.Start(cmd.Context(), args[0], opts...); err != nil {
				return err
			}
			return waitForRun(cmd, ctrl, args[0])
		},
	}
	cmd.Flags().StringVar(&tuning, "tuning", "", "JSON object handed to the processor")
	return cmd
}

// crossProcessNote is appended to the help of commands that steer a job
// another process may be running.
const crossProcessNote = "The badger store is locked by the process that opened it, so reaching a job " +
	"that another batchpoolctl is running needs --store postgres."

func pauseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a running job",
		Long: "Pause a running job. The process running it picks the change up on its next status poll.\n" +
			crossProcessNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			if err := ctrl.Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s paused.\n", args[0])
			return nil
		},
	}
}

func resumeCmd(a *app) *cobra.Command {
	var tuning string

	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job",
		Long: "Resume a paused job. If the process running it is still alive it picks the " +
			"change up; otherwise the job continues here and the command waits for it.\n" +
			crossProcessNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := tuningOption(tuning)
			if err != nil {
				return err
			}
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			if err := ctrl.Resume(cmd.Context(), args[0], opts...); err != nil {
				return err
			}
			err = waitForRun(cmd, ctrl, args[0])
			if errors.Is(err, batchpool.ErrInvalidState) {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s resumed; another process is running it.\n", args[0])
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&tuning, "tuning", "", "JSON object handed to the processor")
	return cmd
}

func cancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running or paused job",
		Long: "Cancel a running or paused job. The process running it stops on its next status poll.\n" +
			crossProcessNote,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			if err := ctrl.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled.\n", args[0])
			return nil
		},
	}
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job that is not running or paused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			if err := ctrl.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted.\n", args[0])
			return nil
		},
	}
}

func cleanupCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than a TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			ttl := olderThan
			if ttl <= 0 {
				ttl = a.config.JobTTL
			}
			n, err := ctrl.CleanupExpiredJobs(cmd.Context(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s) finished more than %s ago.\n", n, ttl)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Delete jobs finished before this long ago (default: BATCHPOOL_JOB_TTL)")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	var showItems bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			job, items, err := a.store.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			counts, err := a.store.CountItems(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "--- Job %s ---\n", job.ID)
			fmt.Fprintf(out, "Name:      %s\n", job.Name)
			fmt.Fprintf(out, "Type:      %s\n", job.Type)
			fmt.Fprintf(out, "Status:    %s\n", job.Status)
			fmt.Fprintf(out, "Progress:  %d processed, %d failed of %d\n", job.ProcessedItems, job.FailedItems, job.TotalItems)
			fmt.Fprintf(out, "Items:     %d pending, %d processing, %d completed, %d failed\n",
				counts.Pending, counts.Processing, counts.Completed, counts.Failed)
			fmt.Fprintf(out, "Cost:      %.4f actual, %.4f estimated\n", job.ActualCost, derefCost(job.EstimatedCost))
			if job.LockedBy != "" {
				fmt.Fprintf(out, "Owner:     %s\n", job.LockedBy)
			}
			if len(job.ErrorLog) > 0 {
				fmt.Fprintln(out, "\n--- Error log ---")
				for _, line := range job.ErrorLog {
					fmt.Fprintln(out, line)
				}
			}

			if showItems {
				fmt.Fprintln(out, "\n--- Items ---")
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tSTATUS\tATTEMPTS\tDURATION\tERROR")
				for _, item := range items {
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", item.Sequence, item.Status, item.Attempts,
						item.Duration.Round(time.Millisecond), item.Error)
				}
				return w.Flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showItems, "items", false, "Also list every item")
	return cmd
}

func listCmd(a *app) *cobra.Command {
	var (
		statuses []string
		jobType  string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := batchpool.JobFilter{Type: jobType, Limit: limit}
			for _, st := range statuses {
				filter.Statuses = append(filter.Statuses, batchpool.JobStatus(strings.TrimSpace(st)))
			}
			jobs, err := a.store.ListJobs(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tPROCESSED\tFAILED\tTOTAL\tCREATED")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n", job.ID, job.Name, job.Type, job.Status,
					job.ProcessedItems, job.FailedItems, job.TotalItems, job.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending, running, paused, completed, failed, cancelled)")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs")
	return cmd
}

func estimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <job-type> <item-count>",
		Short: "Estimate the cost of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid item count %q: %w", args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.4f\n", batchpool.EstimateCost(args[0], count))
			return nil
		},
	}
}

func workerCmd(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Recover abandoned jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			w := batchpool.NewWorker(ctrl, interval, a.logger)
			if err := w.Start(ctx); err != nil {
				return err
			}
			a.logger.Info("worker started", "owner", ctrl.Owner())

			<-ctx.Done()
			a.logger.Info("shutting down")
			w.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "How often to look for abandoned jobs (default: lease TTL)")
	return cmd
}

// waitForRun blocks until the local run ends or the process is interrupted.
// An interrupted job keeps its status and can be recovered later.
func waitForRun(cmd *cobra.Command, ctrl *batchpool.Controller, jobID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := ctrl.Wait(ctx, jobID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.OutOrStdout(), "Interrupted; job %s can be recovered with 'batchpoolctl worker'.\n", jobID)
		return nil
	}
	if err != nil {
		return err
	}

	status := summary.FinalStatus
	if status == "" {
		status = "stopped"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s: %d succeeded, %d failed this run.\n",
		jobID, status, summary.Succeeded, summary.Failed)
	return nil
}

func tuningOption(raw string) ([]batchpool.RunOption, error) {
	if raw == "" {
		return nil, nil
	}
	var tuning batchpool.Tuning
	if err := json.Unmarshal([]byte(raw), &tuning); err != nil {
		return nil, fmt.Errorf("invalid --tuning JSON: %w", err)
	}
	return []batchpool.RunOption{batchpool.WithTuning(tuning)}, nil
}

func readInputs(path string) ([]json.RawMessage, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var inputs []json.RawMessage
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !json.Valid([]byte(text)) {
			return nil, fmt.Errorf("line %d is not valid JSON", line)
		}
		inputs = append(inputs, json.RawMessage(text))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return inputs, nil
}

func derefCost(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
