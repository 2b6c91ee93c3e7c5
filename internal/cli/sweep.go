package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WindowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-arm stuck claims and retryable failures",
		Long: `Move operations stuck in processing back to pending, and re-arm failed
operations whose failure was transient and whose retries are not used up.
Permanent failures, conflicts and exhausted operations are listed for an
operator and left untouched.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}
	opts.bind(cmd)

	return cmd
}

type recoverView struct {
	engine.RecoveryReport
}

func (v recoverView) String() string {
	s := fmt.Sprintf("failed: %d  recovered: %d  still failed: %d  stuck re-armed: %d",
		v.TotalFailed, v.Recovered, v.StillFailed, v.StuckRequeued)
	if len(v.StillFailedIDs) > 0 {
		s += "\nneeds attention:\n  " + strings.Join(v.StillFailedIDs, "\n  ")
	}
	return s
}

func runRecover(opts *WindowOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := openApp(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.Recover(cmd.Context(), opts.Tenant, opts.window(a.cfg.MetricsWindow()))
	if err != nil {
		return formatter.Fail(ExitCommandError, "recovery failed", err)
	}
	return formatter.Success(recoverView{report})
}

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	OlderThanDays int
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old terminal operations",
		Long: `Delete completed and cancelled operations older than the cutoff and
archive old failures (to --archive when set, otherwise flagged in place).
Pending and processing operations are never touched. Idempotency keys are
kept for the longer idempotency retention.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.OlderThanDays, "older-than-days", 0, "operation retention in days (default from config)")

	return cmd
}

type cleanupView struct {
	engine.CleanupReport
}

func (v cleanupView) String() string {
	return fmt.Sprintf(
		"cutoff: %s\ndeleted completed: %d\ndeleted cancelled: %d\narchived failures: %d\ncleaned idempotency records: %d",
		v.Cutoff.Format(time.RFC3339),
		v.DeletedCompleted, v.DeletedQueueItems, v.ArchivedFailures, v.CleanedIdempotencyRecords,
	)
}

func runCleanup(opts *CleanupOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := openApp(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	days := firstPositive(opts.OlderThanDays, a.cfg.Retention.CompletedDays)
	report, err := a.engine.Cleanup(cmd.Context(), days)
	if err != nil {
		return formatter.Fail(ExitCommandError, "cleanup failed", err)
	}
	return formatter.Success(cleanupView{report})
}
