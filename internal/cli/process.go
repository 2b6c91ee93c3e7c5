package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillsync/internal/engine"
)

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	MaxItems   int
	MaxBatches int
	Tenant     string
	Workers    int
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process due operations until the queue is drained",
		Long: `Claim and apply due operations in batches until a batch finds
nothing to do or the batch limit is reached.

Several workers may run concurrently, in this process or in others, against
the same store: each operation is claimed by exactly one of them.

Example:
  tillsync process --max-items 100 --workers 4
  tillsync process --tenant store-12 --max-batches 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "operations claimed per batch (default from config)")
	cmd.Flags().IntVar(&opts.MaxBatches, "max-batches", 0, "batches per worker before stopping (default from config)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "only process this tenant's operations")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent workers (default from config)")

	return cmd
}

// processView aggregates the runs of every worker.
type processView struct {
	Workers   int                  `json:"workers"`
	Batches   []engine.BatchResult `json:"batches"`
	Processed int                  `json:"processed"`
	Failed    int                  `json:"failed"`
	Drained   bool                 `json:"drained"`
}

func (v processView) String() string {
	var b strings.Builder
	for i, batch := range v.Batches {
		if batch.Empty() {
			continue
		}
		fmt.Fprintf(&b, "batch %d: processed=%d failed=%d elapsed=%.3fs\n",
			i+1, batch.Processed, batch.Failed, batch.ElapsedSeconds())
	}
	state := "drained"
	if !v.Drained {
		state = "batch limit reached"
	}
	fmt.Fprintf(&b, "total: processed=%d failed=%d workers=%d (%s)", v.Processed, v.Failed, v.Workers, state)
	return b.String()
}

func runProcess(opts *ProcessOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	maxItems := firstPositive(opts.MaxItems, a.cfg.Processing.MaxItems)
	maxBatches := firstPositive(opts.MaxBatches, a.cfg.Processing.MaxBatches)
	workers := firstPositive(opts.Workers, a.cfg.Processing.Workers)

	var (
		mu   sync.Mutex
		view = processView{Workers: workers, Batches: []engine.BatchResult{}, Drained: true}
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			report, err := a.engine.Run(gctx, maxItems, maxBatches, opts.Tenant)

			mu.Lock()
			defer mu.Unlock()
			view.Batches = append(view.Batches, report.Batches...)
			view.Processed += report.Processed
			view.Failed += report.Failed
			view.Drained = view.Drained && report.Drained
			return err
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			a.logger.Info("processing interrupted", "processed", view.Processed, "failed", view.Failed)
		}
		return formatter.Fail(ExitCommandError, "processing stopped", err)
	}
	return formatter.Success(view)
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 1
}
