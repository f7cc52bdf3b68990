package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"aquaguardian/anchor"
	"aquaguardian/config"
	"aquaguardian/database"
	"aquaguardian/ledger"
	"aquaguardian/models"
	"aquaguardian/service"
)

const commandTimeout = 5 * time.Minute

type env struct {
	cfg    *config.Config
	store  service.Store
	ledger ledger.Ledger
	close  func()
}

// openEnv connects to the store, and to the ledger when withLedger is set.
func openEnv(ctx context.Context, withLedger bool) (*env, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	store, err := service.NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, store: store, close: func() { store.Close() }}
	if !withLedger {
		return e, nil
	}
	l, closeLedger, err := service.NewLedger(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.ledger = l
	e.close = func() {
		closeLedger()
		store.Close()
	}
	return e, nil
}

func (e *env) scheduler() *anchor.Scheduler {
	return anchor.NewScheduler(e.store, e.ledger, service.SchedulerOptions(e.cfg))
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show anchor job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.close()

			counts, err := e.store.CountAnchorJobs(ctx)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), counts)
			return nil
		},
	}
}

func printStats(w io.Writer, counts map[string]int) {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "%-8s %s\n", s, statusColor(models.AnchorJobStatus(s)).Sprint(counts[s]))
	}
	if len(statuses) == 0 {
		fmt.Fprintln(w, "no anchor jobs")
	}
}

func statusColor(s models.AnchorJobStatus) *color.Color {
	switch s {
	case models.AnchorJobDone:
		return color.New(color.FgGreen)
	case models.AnchorJobFailed:
		return color.New(color.FgRed)
	case models.AnchorJobRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}

func failedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List reports whose anchoring exhausted its retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.close()

			jobs, err := e.store.ListAnchorFailed(ctx, limit)
			if err != nil {
				return err
			}
			printFailed(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")
	return cmd
}

func printFailed(w io.Writer, jobs []models.AnchorJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, color.New(color.FgGreen).Sprint("no failed anchor jobs"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REPORT\tATTEMPTS\tFAILED AT\tLAST ERROR")
	for _, j := range jobs {
		lastErr := ""
		if j.LastError != nil {
			lastErr = *j.LastError
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", j.ReportID, j.Attempts,
			j.UpdatedAt.UTC().Format(time.RFC3339), color.New(color.FgRed).Sprint(lastErr))
	}
	tw.Flush()
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <report-id>...",
		Short: "Put reports back on the anchoring queue",
		Long: `Requeued jobs are picked up by the next sweep of a running report-service.
Use "anchorctl anchor" to anchor a report immediately instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := openEnv(ctx, false)
			if err != nil {
				return err
			}
			defer e.close()

			var failed int
			for _, id := range args {
				err := e.store.RequeueAnchorJob(ctx, id)
				switch {
				case err == nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgGreen).Sprint("queued  "), id)
				case errors.Is(err, database.ErrAnchorExists):
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgBlue).Sprint("anchored"), id)
				default:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", color.New(color.FgRed).Sprint("error   "), id, err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d reports could not be requeued", failed, len(args))
			}
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var (
		includeFailed bool
		run           bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Create missing anchor jobs and list the due ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := openEnv(ctx, run)
			if err != nil {
				return err
			}
			defer e.close()

			opts := service.SchedulerOptions(e.cfg)
			orphans, err := e.store.EnqueueMissingAnchorJobs(ctx, opts.OrphanGrace, opts.SweepBatch)
			if err != nil {
				return err
			}
			var requeued int64
			if includeFailed {
				if requeued, err = e.store.RequeueFailedAnchorJobs(ctx, 0); err != nil {
					return err
				}
			}
			due, err := e.store.ListDueAnchorJobs(ctx, opts.OrphanGrace, opts.SweepBatch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "orphaned reports: %d, failed jobs requeued: %d, due jobs: %d\n",
				orphans, requeued, len(due))

			if !run {
				return nil
			}
			s := e.scheduler()
			for _, id := range due {
				outcome, err := s.Anchor(ctx, id)
				printOutcome(cmd.OutOrStdout(), id, outcome, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeFailed, "failed", false, "also requeue every failed job")
	cmd.Flags().BoolVar(&run, "run", false, "anchor the due jobs now instead of leaving them to report-service")
	return cmd
}

func anchorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anchor <report-id>",
		Short: "Anchor a report synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			e, err := openEnv(ctx, true)
			if err != nil {
				return err
			}
			defer e.close()

			id := args[0]
			if _, err := e.store.GetReport(ctx, id); err != nil {
				return err
			}
			if err := e.store.RequeueAnchorJob(ctx, id); err != nil && !errors.Is(err, database.ErrAnchorExists) {
				return err
			}
			outcome, err := e.scheduler().Anchor(ctx, id)
			printOutcome(cmd.OutOrStdout(), id, outcome, err)
			if err != nil {
				return err
			}
			if a, err := e.store.GetAnchor(ctx, id); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  hash %s\n  ref  %s\n", a.ContentHash, a.LedgerRef)
			}
			return nil
		},
	}
}

func printOutcome(w io.Writer, id string, outcome anchor.Outcome, err error) {
	c := color.New(color.FgGreen)
	switch outcome {
	case anchor.OutcomeFailed, anchor.OutcomeReleased:
		c = color.New(color.FgRed)
	case anchor.OutcomeSkipped:
		c = color.New(color.FgYellow)
	case anchor.OutcomeAlreadyAnchored:
		c = color.New(color.FgBlue)
	}
	if err != nil {
		fmt.Fprintf(w, "%s %s: %v\n", c.Sprintf("%-16s", outcome), id, err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", c.Sprintf("%-16s", outcome), id)
}
