package engine

import (
	"context"
	"fmt"
	"time"
)

type Overview struct {
	Batches          map[string]int `json:"batches_by_status"`
	Verifications    map[string]int `json:"verifications_by_result"`
	NonCompliant     int            `json:"non_compliant_batches"`
	AvgVerifyLatency float64        `json:"avg_verify_latency_ms"`
}

func (e Engine) AnalyticsOverview(ctx context.Context) (Overview, error) {
	byStatus, err := e.Repo.CountBatchesByStatus(ctx)
	if err != nil {
		return Overview{}, err
	}
	byResult, err := e.Repo.CountVerificationsByResult(ctx, "")
	if err != nil {
		return Overview{}, err
	}
	nonCompliant, err := e.Repo.CountNonCompliantBatches(ctx)
	if err != nil {
		return Overview{}, err
	}
	avg, err := e.Repo.AverageVerificationLatency(ctx, "")
	if err != nil {
		return Overview{}, err
	}
	return Overview{
		Batches:          byStatus,
		Verifications:    byResult,
		NonCompliant:     nonCompliant,
		AvgVerifyLatency: avg,
	}, nil
}

type VerificationStats struct {
	Timeframe        string         `json:"timeframe"`
	Since            string         `json:"since"`
	ByResult         map[string]int `json:"by_result"`
	Total            int            `json:"total"`
	AvgVerifyLatency float64        `json:"avg_verify_latency_ms"`
}

// VerificationAnalytics aggregates results over a trailing window.
func (e Engine) VerificationAnalytics(ctx context.Context, timeframe string) (VerificationStats, error) {
	var window time.Duration
	switch timeframe {
	case "", "24h":
		timeframe = "24h"
		window = 24 * time.Hour
	case "1h":
		window = time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	case "30d":
		window = 30 * 24 * time.Hour
	default:
		return VerificationStats{}, fmt.Errorf("unknown timeframe %q", timeframe)
	}
	since := e.now().Add(-window).UTC().Format(time.RFC3339)
	byResult, err := e.Repo.CountVerificationsByResult(ctx, since)
	if err != nil {
		return VerificationStats{}, err
	}
	avg, err := e.Repo.AverageVerificationLatency(ctx, since)
	if err != nil {
		return VerificationStats{}, err
	}
	total := 0
	for _, n := range byResult {
		total += n
	}
	return VerificationStats{
		Timeframe:        timeframe,
		Since:            since,
		ByResult:         byResult,
		Total:            total,
		AvgVerifyLatency: avg,
	}, nil
}
