package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// DefaultMetricsWindow is the lookback used when a caller passes none.
const DefaultMetricsWindow = 24 * time.Hour

// HealthReport is a read-only rollup of processing outcomes in a window.
type HealthReport struct {
	TenantID    string    `json:"tenant_id,omitempty"`
	WindowHours float64   `json:"window_hours"`
	GeneratedAt time.Time `json:"generated_at"`

	Summary Summary `json:"summary"`

	// ByStatus counts attempts in the window by outcome.
	ByStatus map[model.HistoryStatus]int `json:"by_status"`

	ByType []TypeMetrics `json:"by_type"`

	// Queue is the current number of live operations per status.
	Queue map[model.Status]int `json:"queue"`
}

// Summary aggregates every attempt in the window.
type Summary struct {
	TotalAttempts   int     `json:"total_attempts"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Conflicts       int     `json:"conflicts"`
	SuccessRate     float64 `json:"success_rate"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	AvgRetryCount   float64 `json:"avg_retry_count"`
	MaxRetryCount   int     `json:"max_retry_count"`

	DuplicateSubmissions int     `json:"duplicate_submissions"`
	DuplicateRate        float64 `json:"duplicate_rate"`
}

// TypeMetrics aggregates attempts for one sync type and operation.
type TypeMetrics struct {
	SyncType        model.SyncType  `json:"sync_type"`
	Operation       model.Operation `json:"operation"`
	Total           int             `json:"total"`
	Completed       int             `json:"completed"`
	Failed          int             `json:"failed"`
	Conflicts       int             `json:"conflicts"`
	SuccessRate     float64         `json:"success_rate"`
	FailureRate     float64         `json:"failure_rate"`
	AvgProcessingMS float64         `json:"avg_processing_ms"`

	totalDuration time.Duration
}

// Alert flags a sync type and operation whose outcomes crossed a threshold.
type Alert struct {
	Type      string          `json:"type"`
	SyncType  model.SyncType  `json:"sync_type"`
	Operation model.Operation `json:"operation"`
	Metric    string          `json:"metric"`
	Value     float64         `json:"value"`
	Threshold float64         `json:"threshold"`
	Severity  string          `json:"severity"`
}

// Alert types, metrics and severities.
const (
	AlertHighFailureRate = "high_failure_rate"
	AlertSlowProcessing  = "slow_processing"

	MetricFailureRate     = "failure_rate"
	MetricAvgProcessingMS = "avg_processing_ms"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Metrics rolls up attempt history for tenantID (empty for all tenants)
// over the window ending now. Live queue state is reported alongside but
// never feeds the rates.
func (e *Engine) Metrics(ctx context.Context, tenantID string, window time.Duration) (HealthReport, error) {
	if window <= 0 {
		window = DefaultMetricsWindow
	}
	now := e.clock.Now()
	filter := store.HistoryFilter{TenantID: tenantID, Since: now.Add(-window)}

	groups, err := e.store.HistoryRollup(ctx, filter)
	if err != nil {
		return HealthReport{}, fmt.Errorf("metrics: %w", err)
	}
	dups, err := e.store.DuplicateStats(ctx, filter)
	if err != nil {
		return HealthReport{}, fmt.Errorf("metrics: %w", err)
	}
	queue, err := e.store.QueueDepth(ctx, tenantID)
	if err != nil {
		return HealthReport{}, fmt.Errorf("metrics: %w", err)
	}

	report := HealthReport{
		TenantID:    tenantID,
		WindowHours: window.Hours(),
		GeneratedAt: now,
		ByStatus: map[model.HistoryStatus]int{
			model.HistoryCompleted: 0,
			model.HistoryFailed:    0,
			model.HistoryConflict:  0,
		},
		ByType: []TypeMetrics{},
		Queue:  queue,
	}

	sum := &report.Summary
	index := map[string]int{}
	var (
		totalDuration time.Duration
		totalRetries  int
	)
	for _, g := range groups {
		sum.TotalAttempts += g.Count
		totalDuration += g.TotalDuration
		totalRetries += g.TotalRetries
		if g.MaxRetries > sum.MaxRetryCount {
			sum.MaxRetryCount = g.MaxRetries
		}
		report.ByStatus[g.Status] += g.Count

		key := string(g.SyncType) + "/" + string(g.Operation)
		i, ok := index[key]
		if !ok {
			i = len(report.ByType)
			index[key] = i
			report.ByType = append(report.ByType, TypeMetrics{SyncType: g.SyncType, Operation: g.Operation})
		}
		tm := &report.ByType[i]
		tm.Total += g.Count
		tm.totalDuration += g.TotalDuration
		switch g.Status {
		case model.HistoryCompleted:
			tm.Completed += g.Count
		case model.HistoryFailed:
			tm.Failed += g.Count
		case model.HistoryConflict:
			tm.Conflicts += g.Count
		}
	}

	sum.Completed = report.ByStatus[model.HistoryCompleted]
	sum.Failed = report.ByStatus[model.HistoryFailed]
	sum.Conflicts = report.ByStatus[model.HistoryConflict]
	if sum.TotalAttempts > 0 {
		sum.SuccessRate = ratio(sum.Completed, sum.TotalAttempts)
		sum.AvgProcessingMS = round4(float64(totalDuration.Milliseconds()) / float64(sum.TotalAttempts))
		sum.AvgRetryCount = round4(float64(totalRetries) / float64(sum.TotalAttempts))
	}

	sum.DuplicateSubmissions = dups.Duplicates
	if submissions := dups.Keys + dups.Duplicates; submissions > 0 {
		sum.DuplicateRate = ratio(dups.Duplicates, submissions)
	}

	for i := range report.ByType {
		tm := &report.ByType[i]
		tm.SuccessRate = ratio(tm.Completed, tm.Total)
		tm.FailureRate = ratio(tm.Failed+tm.Conflicts, tm.Total)
		tm.AvgProcessingMS = round4(float64(tm.totalDuration.Milliseconds()) / float64(tm.Total))
	}

	return report, nil
}

// Alerts evaluates the configured thresholds against Metrics for the same
// tenant and window. Returns an empty slice when nothing fires.
func (e *Engine) Alerts(ctx context.Context, tenantID string, window time.Duration) ([]Alert, error) {
	report, err := e.Metrics(ctx, tenantID, window)
	if err != nil {
		return nil, err
	}
	return EvaluateAlerts(report.ByType, e.thresholds), nil
}

// EvaluateAlerts returns the alerts fired by per-type metrics. A value at
// twice its threshold or more is critical.
func EvaluateAlerts(types []TypeMetrics, t AlertThresholds) []Alert {
	alerts := []Alert{}
	slowMS := float64(t.AvgProcessing.Milliseconds())

	for _, tm := range types {
		if tm.Total == 0 {
			continue
		}
		if t.FailureRate > 0 && tm.FailureRate > t.FailureRate {
			alerts = append(alerts, Alert{
				Type:      AlertHighFailureRate,
				SyncType:  tm.SyncType,
				Operation: tm.Operation,
				Metric:    MetricFailureRate,
				Value:     tm.FailureRate,
				Threshold: t.FailureRate,
				Severity:  severity(tm.FailureRate, t.FailureRate),
			})
		}
		if slowMS > 0 && tm.AvgProcessingMS > slowMS {
			alerts = append(alerts, Alert{
				Type:      AlertSlowProcessing,
				SyncType:  tm.SyncType,
				Operation: tm.Operation,
				Metric:    MetricAvgProcessingMS,
				Value:     tm.AvgProcessingMS,
				Threshold: slowMS,
				Severity:  severity(tm.AvgProcessingMS, slowMS),
			})
		}
	}
	return alerts
}

func severity(value, threshold float64) string {
	if value >= 2*threshold {
		return SeverityCritical
	}
	return SeverityWarning
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round4(float64(n) / float64(total))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
