package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests          int64   `json:"total_requests"`
	PassedRequests         int64   `json:"passed_requests"`
	PassRate               float64 `json:"pass_rate"`
	AverageMatchPercentage float64 `json:"average_match_percentage"`
	AverageLatencyMs       float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates verification metrics from the audit log.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:          aggregation.TotalCount,
		PassedRequests:         aggregation.PassedCount,
		AverageMatchPercentage: aggregation.AverageMatchPercentage,
		AverageLatencyMs:       aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.PassRate = float64(aggregation.PassedCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
