package domain

import (
	"context"
	"time"
)

// Repository is the ledger store contract. All status mutations are single
// conditional statements so concurrent orchestrator ticks cannot
// double-claim or double-finalize a row.
type Repository interface {
	// InsertRows batch-inserts priced rows; rows whose idempotency key
	// already exists are silently skipped, so redelivered source messages
	// never duplicate pricing.
	InsertRows(ctx context.Context, rows []UsageLogRow) error

	CountPending(ctx context.Context) (int64, error)

	// ClaimWindow atomically moves at most limit PENDING rows into the
	// batch, returning how many rows changed.
	ClaimWindow(ctx context.Context, batchID string, limit int, now time.Time) (int64, error)

	// AggregateByBatch sums cost per organization over the batch's QUEUED rows.
	AggregateByBatch(ctx context.Context, batchID string) ([]OrgTotal, error)

	// CountOrganizations counts distinct organizations still claimed into
	// the batch.
	CountOrganizations(ctx context.Context, batchID string) (int64, error)

	ListQueuedBatches(ctx context.Context) ([]QueuedBatch, error)

	// ConfirmBatch records that the batch's jobs were enqueued, so a later
	// tick can tell a dispatched batch apart from one stranded mid-claim.
	ConfirmBatch(ctx context.Context, batchID string, now time.Time) error

	FinalizeBatch(ctx context.Context, batchID string, now time.Time) (int64, error)

	RevertBatch(ctx context.Context, batchID string, now time.Time) (int64, error)

	RevertOrganization(ctx context.Context, batchID, organizationID string, now time.Time) (int64, error)
}
