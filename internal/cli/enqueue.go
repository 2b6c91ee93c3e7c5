package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Tenant      string
	Key         string
	SyncType    string
	Operation   string
	EntityType  string
	EntityID    string
	Priority    int
	Batch       string
	Payload     string
	PayloadFile string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit one operation under an idempotency key",
		Long: `Submit one sync operation.

The verdict is returned immediately: accepted (queued), duplicate (the key
was already used for the same request) or rejected (invalid request).
Reusing a key for a different request fails with IDEMPOTENCY_KEY_CONFLICT.

Example:
  tillsync enqueue --tenant store-12 --key till3-000481 \
    --type inventory_adjustment --op adjust --entity-type stock --entity-id SKU-1 \
    --payload '{"v":1,"delta":-2}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&opts.SyncType, "type", "", "sync type: order, payment or inventory_adjustment (required)")
	cmd.Flags().StringVar(&opts.Operation, "op", "", "operation for the sync type (required)")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "entity type (required)")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "entity id (empty lets a create mint one)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority; higher runs first")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "client batch id")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read payload JSON from file")
	for _, name := range []string{"tenant", "key", "type", "op", "entity-type"} {
		_ = cmd.MarkFlagRequired(name)
	}
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	cmd.MarkFlagsOneRequired("payload", "payload-file")

	return cmd
}

// enqueueView renders an enqueue verdict.
type enqueueView struct {
	engine.EnqueueResult
}

func (v enqueueView) String() string {
	switch v.Verdict {
	case engine.VerdictAccepted:
		return fmt.Sprintf("accepted: %s", v.OperationID)
	case engine.VerdictDuplicate:
		s := fmt.Sprintf("duplicate of %s", v.OperationID)
		if v.Prior != nil && v.Prior.Resolved() {
			s += fmt.Sprintf(" (%s)", v.Prior.OutcomeStatus)
		}
		return s
	default:
		return fmt.Sprintf("rejected: %s", v.Reason)
	}
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	payload, err := readPayload(opts.Payload, opts.PayloadFile)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to read payload", err)
	}

	a, err := openApp(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Enqueue(cmd.Context(), engine.EnqueueRequest{
		TenantID:       opts.Tenant,
		IdempotencyKey: opts.Key,
		SyncType:       model.SyncType(opts.SyncType),
		Operation:      model.Operation(opts.Operation),
		EntityType:     opts.EntityType,
		EntityID:       opts.EntityID,
		Payload:        payload,
		Priority:       opts.Priority,
		BatchID:        opts.Batch,
	})
	if err != nil {
		if engine.IsIdempotencyKeyConflict(err) {
			return formatter.Fail(ExitFailure, "enqueue refused", err)
		}
		return formatter.Fail(ExitCommandError, "enqueue failed", err)
	}

	if res.Verdict == engine.VerdictRejected {
		if err := formatter.Error(ErrCodeRejected, res.Reason, nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "rejected: "+res.Reason)
	}
	return formatter.Success(enqueueView{res})
}

// readPayload returns the payload from the inline flag or the file. A
// payload that is not JSON at all is refused here; everything else is
// left to the engine's validation.
func readPayload(inline, path string) (json.RawMessage, error) {
	data := []byte(inline)
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}
