package engine

import (
	"errors"
	"fmt"

	"pharmatrace/internal/ledger"
	"pharmatrace/internal/repo"
)

var (
	ErrNotFound            = errors.New("batch not found")
	ErrDuplicateBatch      = errors.New("batch id already registered")
	ErrInvalidTransition   = errors.New("invalid custody transition")
	ErrUnauthorized        = errors.New("caller not authorized for this transition")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrComplianceLogFailed = errors.New("compliance violation could not be recorded")
)

// mapLedgerErr translates gateway sentinels into engine errors so callers
// never import the ledger package to branch on failures.
func mapLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ledger.ErrDuplicateBatch):
		return ErrDuplicateBatch
	case errors.Is(err, ledger.ErrInvalidTransition):
		return ErrInvalidTransition
	case errors.Is(err, ledger.ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, ledger.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	default:
		return err
	}
}

func mapRepoErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
