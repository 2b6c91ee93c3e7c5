package store

import (
	"time"

	"github.com/roach88/tillsync/internal/model"
)

// ClaimRequest selects due pending operations for a batch.
type ClaimRequest struct {
	TenantID string // Empty claims across all tenants
	Limit    int
	Now      time.Time
}

// OperationFilter selects operations for sweeps and listings.
// Zero-valued fields are not applied.
type OperationFilter struct {
	TenantID        string
	Statuses        []model.Status
	UpdatedSince    time.Time
	UpdatedBefore   time.Time
	IncludeArchived bool
	AfterSeq        int64 // Keyset cursor: only rows with seq > AfterSeq
	Limit           int
}

// HistoryFilter selects history rows for rollups.
type HistoryFilter struct {
	TenantID string
	Since    time.Time
}

// DefaultListLimit bounds listings that do not set a limit.
const DefaultListLimit = 1000

// EffectiveLimit returns the filter's limit or DefaultListLimit.
func (f OperationFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// CleanableStatus reports whether rows in status may be deleted outright
// by the retention sweep.
func CleanableStatus(s model.Status) bool {
	return s == model.StatusCompleted || s == model.StatusCancelled
}
