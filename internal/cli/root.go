package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// RootOptions holds global flags for all commands. Store locations given
// here override the config file and environment.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Config   string
	Database string
	DSN      string
	Ledger   string
	Archive  string

	// Clock and IDs override the engine's clock and id generator (for
	// testing). If nil, the system clock and UUIDv7 ids are used.
	Clock engine.Clock
	IDs   engine.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "tillsync - POS sync reliability engine",
		Long: `Reliable replay of offline point-of-sale changes.

Terminals submit orders, payments and inventory adjustments under an
idempotency key; tillsync queues them, applies each exactly once, retries
transient failures with backoff and reports conflicts instead of merging.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite queue database")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "PostgreSQL connection string (overrides --db)")
	cmd.PersistentFlags().StringVar(&opts.Ledger, "ledger", "", "path to SQLite ledger database")
	cmd.PersistentFlags().StringVar(&opts.Archive, "archive", "", "path to bbolt archive for failed operations")

	// Add subcommands
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewAlertsCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))

	return cmd
}

// formatter returns the output formatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}
