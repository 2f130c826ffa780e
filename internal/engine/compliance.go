package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmatrace/internal/events"
	"pharmatrace/internal/repo"
)

// ComplianceResult reports the outcome of one temperature reading.
type ComplianceResult struct {
	BatchID   string  `json:"batch_id"`
	Value     float64 `json:"value"`
	MinTemp   float64 `json:"min_temp"`
	MaxTemp   float64 `json:"max_temp"`
	Violation bool    `json:"violation"`
	TxRef     string  `json:"tx_ref,omitempty"`
}

// LogTemperature evaluates a reading against the batch's declared range.
// Boundary values are compliant. In-range readings leave no durable trace.
// A violation is submitted to the ledger with retries; if every attempt
// fails the breach surfaces as ErrComplianceLogFailed rather than being
// dropped.
func (e Engine) LogTemperature(ctx context.Context, batchID string, value float64, ts time.Time, actorID string) (ComplianceResult, error) {
	b, err := e.Repo.GetBatch(ctx, batchID)
	if errors.Is(err, repo.ErrNotFound) {
		// the ledger may know a batch the mirror has never seen
		b, err = e.SyncBatch(ctx, batchID)
	}
	if err != nil {
		return ComplianceResult{}, mapRepoErr(err)
	}
	res := ComplianceResult{
		BatchID: batchID,
		Value:   value,
		MinTemp: b.MinTemp,
		MaxTemp: b.MaxTemp,
	}
	if value >= b.MinTemp && value <= b.MaxTemp {
		return res, nil
	}
	res.Violation = true

	attempts := 1
	if e.Config != nil && e.Config.Compliance.MaxLogAttempts > 0 {
		attempts = e.Config.Compliance.MaxLogAttempts
	}
	var txRef string
	var lastErr error
	for i := 0; i < attempts; i++ {
		txRef, lastErr = e.Ledger.LogTemperature(ctx, actorID, batchID, value, ts)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return res, fmt.Errorf("%w: %v", ErrComplianceLogFailed, lastErr)
	}
	res.TxRef = txRef

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if err := e.Repo.SetTempCompliantTx(ctx, tx, batchID, false, now); err != nil {
		return res, mapRepoErr(err)
	}
	if err := e.Events.Append(ctx, tx, "temperature.violation", batchID, actorID, events.EventPayload{
		"value":    value,
		"min_temp": b.MinTemp,
		"max_temp": b.MaxTemp,
		"ts":       ts.UTC().Format(time.RFC3339),
		"tx_ref":   txRef,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// TempCompliant reports the current mirrored compliance flag.
func (e Engine) TempCompliant(ctx context.Context, batchID string) (bool, error) {
	b, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return false, mapRepoErr(err)
	}
	return b.TempCompliant, nil
}
