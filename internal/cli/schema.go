package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/schema"
)

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect and check payload schemas",
	}

	cmd.AddCommand(newSchemaListCommand(rootOpts))
	cmd.AddCommand(newSchemaCheckCommand(rootOpts))

	return cmd
}

func newSchemaListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List the payload schema for every sync type and operation",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			registry, err := schema.NewRegistry()
			if err != nil {
				return formatter.Fail(ExitCommandError, "failed to load payload schemas", err)
			}
			return formatter.Success(schemaListView{Schemas: registry.Entries()})
		},
	}
}

type schemaListView struct {
	Schemas []schema.Entry `json:"schemas"`
}

func (v schemaListView) String() string {
	lines := make([]string, len(v.Schemas))
	for i, e := range v.Schemas {
		lines[i] = fmt.Sprintf("%-22s %-8s %s", e.SyncType, e.Operation, e.Definition)
	}
	return strings.Join(lines, "\n")
}

// SchemaCheckOptions holds flags for the schema check command.
type SchemaCheckOptions struct {
	*RootOptions
	SyncType    string
	Operation   string
	Payload     string
	PayloadFile string
}

func newSchemaCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaCheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a payload against its schema without enqueueing it",
		Example: `  tillsync schema check --type payment --op capture \
    --payload '{"v":1,"order_id":"ord-1","amount":1250,"currency":"EUR"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaCheck(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SyncType, "type", "", "sync type (required)")
	cmd.Flags().StringVar(&opts.Operation, "op", "", "operation (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read payload JSON from file")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("op")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	cmd.MarkFlagsOneRequired("payload", "payload-file")

	return cmd
}

type schemaCheckView struct {
	Valid     bool            `json:"valid"`
	SyncType  model.SyncType  `json:"sync_type"`
	Operation model.Operation `json:"operation"`
}

func (v schemaCheckView) String() string {
	return fmt.Sprintf("%s/%s payload is valid", v.SyncType, v.Operation)
}

func runSchemaCheck(opts *SchemaCheckOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	payload, err := readPayload(opts.Payload, opts.PayloadFile)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to read payload", err)
	}

	registry, err := schema.NewRegistry()
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load payload schemas", err)
	}

	syncType, op := model.SyncType(opts.SyncType), model.Operation(opts.Operation)
	if err := registry.Validate(syncType, op, payload); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			if outErr := formatter.Error(ErrCodeInvalidInput, verr.Error(), verr.Definition); outErr != nil {
				return outErr
			}
			return WrapExitError(ExitFailure, "payload is invalid", err)
		}
		return formatter.Fail(ExitCommandError, "cannot check payload", err)
	}
	// The typed decode catches what the schema cannot, such as version skew.
	if _, err := model.DecodePayload(syncType, payload); err != nil {
		if outErr := formatter.Error(ErrCodeInvalidInput, err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "payload is invalid", err)
	}

	return formatter.Success(schemaCheckView{Valid: true, SyncType: syncType, Operation: op})
}
