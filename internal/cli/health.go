package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/model"
)

// WindowOptions holds the tenant and window flags shared by the health,
// alerts and recover commands.
type WindowOptions struct {
	*RootOptions
	Tenant      string
	WindowHours float64
}

func (o *WindowOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Tenant, "tenant", "", "restrict to one tenant")
	cmd.Flags().Float64Var(&o.WindowHours, "window-hours", 0, "lookback window in hours (default from config)")
}

// window returns the requested window, or fallback when none was given.
func (o *WindowOptions) window(fallback time.Duration) time.Duration {
	if o.WindowHours > 0 {
		return time.Duration(o.WindowHours * float64(time.Hour))
	}
	return fallback
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WindowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report processing outcomes over a window",
		Long: `Roll up attempt history: success rate, processing time, retries and
duplicate submissions, overall and per sync type and operation, plus the
current queue depth per status.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(opts, cmd)
		},
	}
	opts.bind(cmd)

	return cmd
}

type healthView struct {
	engine.HealthReport
}

func (v healthView) String() string {
	var b strings.Builder
	s := v.Summary
	fmt.Fprintf(&b, "window: %gh  generated: %s\n", v.WindowHours, v.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "attempts: %d  completed: %d  failed: %d  conflicts: %d  success: %.2f%%\n",
		s.TotalAttempts, s.Completed, s.Failed, s.Conflicts, s.SuccessRate*100)
	fmt.Fprintf(&b, "avg processing: %.1fms  avg retries: %.2f  max retries: %d\n",
		s.AvgProcessingMS, s.AvgRetryCount, s.MaxRetryCount)
	fmt.Fprintf(&b, "duplicates: %d (%.2f%%)\n", s.DuplicateSubmissions, s.DuplicateRate*100)

	for _, tm := range v.ByType {
		fmt.Fprintf(&b, "  %-24s total=%d success=%.2f%% failure=%.2f%% avg=%.1fms\n",
			string(tm.SyncType)+"/"+string(tm.Operation), tm.Total, tm.SuccessRate*100, tm.FailureRate*100, tm.AvgProcessingMS)
	}

	b.WriteString("queue:")
	for _, st := range []model.Status{
		model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	} {
		fmt.Fprintf(&b, " %s=%d", st, v.Queue[st])
	}
	return b.String()
}

func runHealth(opts *WindowOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := openApp(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.Metrics(cmd.Context(), opts.Tenant, opts.window(a.cfg.MetricsWindow()))
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to compute metrics", err)
	}
	return formatter.Success(healthView{report})
}

// NewAlertsCommand creates the alerts command.
func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WindowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Evaluate alert thresholds; exits 1 when any alert fires",
		Long: `Evaluate the failure rate and processing time thresholds per sync type
and operation. A value at twice its threshold or more is critical.

Exits 1 when any alert fires, so the command can gate a cron job or probe.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(opts, cmd)
		},
	}
	opts.bind(cmd)

	return cmd
}

type alertsView struct {
	Alerts []engine.Alert `json:"alerts"`
}

func (v alertsView) String() string {
	if len(v.Alerts) == 0 {
		return "no alerts"
	}
	lines := make([]string, len(v.Alerts))
	for i, al := range v.Alerts {
		lines[i] = fmt.Sprintf("[%s] %s %s/%s: %s=%g (threshold %g)",
			al.Severity, al.Type, al.SyncType, al.Operation, al.Metric, al.Value, al.Threshold)
	}
	return strings.Join(lines, "\n")
}

func runAlerts(opts *WindowOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := openApp(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	alerts, err := a.engine.Alerts(cmd.Context(), opts.Tenant, opts.window(a.cfg.MetricsWindow()))
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to evaluate alerts", err)
	}
	if err := formatter.Success(alertsView{Alerts: alerts}); err != nil {
		return err
	}
	if len(alerts) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d alert(s) firing", len(alerts)))
	}
	return nil
}
