package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmatrace/internal/domain"
	"pharmatrace/internal/ledger"
	"pharmatrace/internal/repo"
)

// VerifyResult is the definitive answer for one verification call.
type VerifyResult struct {
	BatchID        string        `json:"batch_id"`
	Result         string        `json:"result" enum:"authentic,counterfeit,expired,not_found"`
	IsAuthentic    bool          `json:"is_authentic"`
	IsExpired      bool          `json:"is_expired"`
	Source         string        `json:"source" enum:"ledger,store,none"`
	ResponseTimeMS int64         `json:"response_time_ms"`
	Batch          *domain.Batch `json:"batch,omitempty"`
}

// Verify answers whether a batch is authentic, expired, counterfeit or
// unknown. The ledger is consulted first; if it cannot answer the local
// mirror does. A ledger answer is written through to the mirror before
// returning. Every call leaves exactly one verification row behind, also
// for not_found and for attempts that failed internally.
func (e Engine) Verify(ctx context.Context, batchID, verifierID, method string) (VerifyResult, error) {
	if batchID == "" {
		return VerifyResult{}, errors.New("batch id is required")
	}
	switch method {
	case "":
		method = domain.MethodAPI
	case domain.MethodLedger, domain.MethodAPI, domain.MethodQRScan:
	default:
		return VerifyResult{}, fmt.Errorf("unknown verification method %q", method)
	}

	start := time.Now()
	res := VerifyResult{BatchID: batchID, Source: "none"}

	rec, err := e.Ledger.GetDrugDetails(ctx, batchID)
	switch {
	case err == nil:
		res.Source = "ledger"
		res.IsAuthentic = rec.IsAuthentic
		res.IsExpired = e.now().After(rec.ExpiryDate)
		res.Result = classify(res.IsAuthentic, res.IsExpired)
		if b, merr := e.mirror(ctx, rec); merr != nil {
			e.logf("verify: write-through for %s: %v", batchID, merr)
		} else {
			res.Batch = &b
		}
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrUnavailable):
		b, lerr := e.Repo.GetBatch(ctx, batchID)
		if lerr == nil {
			res.Source = "store"
			res.IsAuthentic = b.IsAuthentic
			res.IsExpired = b.Expired(e.now())
			res.Result = classify(res.IsAuthentic, res.IsExpired)
			res.Batch = &b
		} else if errors.Is(lerr, repo.ErrNotFound) {
			res.Result = domain.ResultNotFound
		} else {
			res.ResponseTimeMS = time.Since(start).Milliseconds()
			e.recordVerification(ctx, res, verifierID, method, lerr.Error())
			return res, lerr
		}
	default:
		res.ResponseTimeMS = time.Since(start).Milliseconds()
		e.recordVerification(ctx, res, verifierID, method, err.Error())
		return res, err
	}

	res.ResponseTimeMS = time.Since(start).Milliseconds()
	e.recordVerification(ctx, res, verifierID, method, "")
	if res.Result != domain.ResultNotFound {
		ts := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.BumpVerification(ctx, batchID, ts); err != nil {
			e.logf("verify: bump counters for %s: %v", batchID, err)
		} else if res.Batch != nil {
			res.Batch.VerificationCount++
			res.Batch.LastVerified = &ts
		}
	}
	return res, nil
}

// recordVerification appends the audit row. The answer already stands, so a
// failed append is reported to the operator log rather than to the caller.
func (e Engine) recordVerification(ctx context.Context, res VerifyResult, verifierID, method, errMsg string) {
	result := res.Result
	if result == "" {
		result = domain.ResultNotFound
	}
	v := domain.Verification{
		BatchID:        res.BatchID,
		VerifierID:     verifierID,
		Result:         result,
		Method:         method,
		ResponseTimeMS: res.ResponseTimeMS,
		ErrorMessage:   errMsg,
		TS:             e.now().UTC().Format(time.RFC3339),
	}
	if _, err := e.Repo.InsertVerification(ctx, v); err != nil {
		e.logf("verify: record verification for %s: %v", res.BatchID, err)
	}
}

func classify(isAuthentic, isExpired bool) string {
	if !isAuthentic {
		return domain.ResultCounterfeit
	}
	if isExpired {
		return domain.ResultExpired
	}
	return domain.ResultAuthentic
}

// History returns recent verification rows for a batch, newest first.
func (e Engine) History(ctx context.Context, batchID string, limit int) ([]domain.Verification, error) {
	if limit <= 0 {
		limit = 20
		if e.Config != nil && e.Config.Verification.HistoryLimit > 0 {
			limit = e.Config.Verification.HistoryLimit
		}
	}
	return e.Repo.ListVerifications(ctx, repo.VerificationFilters{BatchID: batchID, Limit: limit})
}
