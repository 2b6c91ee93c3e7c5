package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// RecoveryReport is the outcome of a recovery sweep.
type RecoveryReport struct {
	TotalFailed   int `json:"total_failed"`
	Recovered     int `json:"recovered"`
	StillFailed   int `json:"still_failed"`
	StuckRequeued int `json:"stuck_requeued"`

	// StillFailedIDs lists the operations left for operator remediation.
	StillFailedIDs []string `json:"still_failed_ids"`
}

// recoverPageSize bounds each listing of failed operations.
const recoverPageSize = 500

// Recover re-arms abandoned claims and retryable failures.
//
// Processing operations claimed longer ago than the stuck threshold go back
// to pending. Failed operations updated within window are re-armed when
// their failure was transient and retries remain; the rest are reported
// as still failed and left untouched. Running Recover twice in a row
// changes nothing the second time.
func (e *Engine) Recover(ctx context.Context, tenantID string, window time.Duration) (RecoveryReport, error) {
	now := e.clock.Now()
	report := RecoveryReport{StillFailedIDs: []string{}}

	stuck, err := e.store.RequeueStuck(ctx, tenantID, now.Add(-e.stuckThreshold), now)
	if err != nil {
		return report, fmt.Errorf("recover: %w", err)
	}
	for _, id := range stuck {
		e.logger.Warn("stuck operation re-armed", "error", NewStuckOperationError(tenantID, id))
	}
	report.StuckRequeued = len(stuck)

	filter := store.OperationFilter{
		TenantID: tenantID,
		Statuses: []model.Status{model.StatusFailed},
		Limit:    recoverPageSize,
	}
	if window > 0 {
		filter.UpdatedSince = now.Add(-window)
	}

	for {
		page, err := e.store.ListOperations(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("recover: %w", err)
		}

		for _, op := range page {
			report.TotalFailed++
			if !e.recoverable(op) {
				report.StillFailed++
				report.StillFailedIDs = append(report.StillFailedIDs, op.ID)
				continue
			}

			err := e.store.RearmOperation(ctx, op.ID, now, now)
			switch {
			case err == nil:
				report.Recovered++
			case errors.Is(err, store.ErrStaleStatus):
				// Re-armed or cancelled concurrently.
				report.TotalFailed--
			default:
				return report, fmt.Errorf("recover: %w", err)
			}
		}

		if len(page) < recoverPageSize {
			break
		}
		filter.AfterSeq = page[len(page)-1].Seq
	}

	e.logger.Info("recovery sweep finished",
		"tenant_id", tenantID,
		"total_failed", report.TotalFailed,
		"recovered", report.Recovered,
		"still_failed", report.StillFailed,
		"stuck_requeued", report.StuckRequeued,
	)
	return report, nil
}

// recoverable reports whether a failed operation may be retried
// automatically: its failure was transient and retries remain.
func (e *Engine) recoverable(op model.SyncOperation) bool {
	return op.FailureKind.Retryable() && op.RetryCount < e.backoff.MaxRetries
}
