package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <operation-id>",
		Short: "Show an operation and its attempt history",
		Example: `  tillsync status 0192f1c4-7d2e-7a51-9e36-2b8f4c0d1e77
  tillsync status --format json 0192f1c4-7d2e-7a51-9e36-2b8f4c0d1e77`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, args[0], cmd)
		},
	}
}

// statusView renders an operation with its history.
type statusView struct {
	Operation *model.SyncOperation `json:"operation"`
	History   []model.HistoryEntry `json:"history"`
}

func (v statusView) String() string {
	op := v.Operation
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s/%s  tenant=%s key=%s\n",
		op.ID, op.Status, op.SyncType, op.Operation, op.TenantID, op.IdempotencyKey)
	if op.EntityID != "" {
		fmt.Fprintf(&b, "entity:    %s/%s\n", op.EntityType, op.EntityID)
	}
	fmt.Fprintf(&b, "retries:   %d\n", op.RetryCount)
	fmt.Fprintf(&b, "scheduled: %s\n", op.ScheduledAt.Format(time.RFC3339))
	if op.ErrorMessage != "" {
		fmt.Fprintf(&b, "error:     [%s] %s\n", op.FailureKind, op.ErrorMessage)
	}
	for _, c := range op.Conflicts {
		fmt.Fprintf(&b, "conflict:  %s expected %s, actual %s\n", c.Field, c.Expected, c.Actual)
	}
	for _, h := range v.History {
		fmt.Fprintf(&b, "  %s  %-9s retry=%d  %s", h.CreatedAt.Format(time.RFC3339), h.Status, h.RetryCount, h.Duration)
		if h.ErrorMessage != "" {
			fmt.Fprintf(&b, "  %s", h.ErrorMessage)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func runStatus(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := openApp(cmd.Context(), opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	op, history, err := a.engine.Status(cmd.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return formatter.Fail(ExitFailure, "operation not found", err)
		}
		return formatter.Fail(ExitCommandError, "failed to read operation", err)
	}
	return formatter.Success(statusView{Operation: op, History: history})
}

// CancelOptions holds flags for the cancel command.
type CancelOptions struct {
	*RootOptions
	Tenant string
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "cancel <operation-id>",
		Short:         "Cancel a pending or failed operation",
		Long:          "Cancel a pending or failed operation. Operations claimed by a worker or already finished cannot be cancelled.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant owning the operation (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

type cancelView struct {
	OperationID string       `json:"operation_id"`
	Status      model.Status `json:"status"`
}

func (v cancelView) String() string {
	return fmt.Sprintf("%s: %s", v.OperationID, v.Status)
}

func runCancel(opts *CancelOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := openApp(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Cancel(cmd.Context(), opts.Tenant, id); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrStaleStatus) {
			return formatter.Fail(ExitFailure, "cancel refused", err)
		}
		return formatter.Fail(ExitCommandError, "cancel failed", err)
	}
	return formatter.Success(cancelView{OperationID: id, Status: model.StatusCancelled})
}
