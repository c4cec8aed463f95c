// Package balance talks to the authoritative organization-balance service.
// The debit operation is idempotent on (batchId, jobId) by contract of that
// service; callers must distinguish "call failed" (transport error) from
// "call succeeded but reported a structured failure" (Outcome.Error).
package balance

import "context"

// ErrNameInsufficientBalance is the one distinguished business-rule
// failure; every other error name is treated as a system failure.
const ErrNameInsufficientBalance = "INSUFFICIENT_BALANCE"

type OutcomeError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Outcome is the tagged result of a balance mutation.
type Outcome struct {
	Success bool          `json:"success"`
	Error   *OutcomeError `json:"error,omitempty"`
}

func (o Outcome) InsufficientBalance() bool {
	return !o.Success && o.Error != nil && o.Error.Name == ErrNameInsufficientBalance
}

type Client interface {
	// SetBalanceForOrganization debits totalCostInUnits from the
	// organization, keyed by (batchID, jobID).
	SetBalanceForOrganization(ctx context.Context, batchID, jobID string, totalCostInUnits int64, organizationID string) (Outcome, error)

	// CompletedPayments returns how many organizations in the batch have a
	// confirmed debit in the balance service's own ledger.
	CompletedPayments(ctx context.Context, batchID string) (int64, error)
}
