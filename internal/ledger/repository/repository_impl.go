package repository

import (
	"context"
	"time"

	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(db *gorm.DB, log *zap.Logger) *Repository {
	return &Repository{db: db, log: log.Named("ledger.repository")}
}

func (r *Repository) InsertRows(ctx context.Context, rows []ledgerdomain.UsageLogRow) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&rows).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		// The rows already exist from an earlier delivery.
		return nil
	}
	return err
}

func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ledgerdomain.UsageLogRow{}).
		Where("status = ?", ledgerdomain.RowStatusPending).
		Count(&count).Error
	return count, err
}

func (r *Repository) ClaimWindow(ctx context.Context, batchID string, limit int, now time.Time) (int64, error) {
	// Single conditional UPDATE: the status recheck on the outer WHERE
	// keeps two concurrent ticks from both claiming the same row.
	result := r.db.WithContext(ctx).Exec(
		`UPDATE usage_log_rows
		 SET status = ?, processing_batch_id = ?, updated_at = ?
		 WHERE status = ?
		   AND id IN (
		       SELECT id FROM usage_log_rows
		       WHERE status = ?
		       ORDER BY id
		       LIMIT ?
		   )`,
		ledgerdomain.RowStatusQueued,
		batchID,
		now,
		ledgerdomain.RowStatusPending,
		ledgerdomain.RowStatusPending,
		limit,
	)
	return result.RowsAffected, result.Error
}

func (r *Repository) AggregateByBatch(ctx context.Context, batchID string) ([]ledgerdomain.OrgTotal, error) {
	var totals []ledgerdomain.OrgTotal
	err := r.db.WithContext(ctx).Raw(
		`SELECT organization_id, SUM(cost) AS total_cost
		 FROM usage_log_rows
		 WHERE processing_batch_id = ? AND status = ?
		 GROUP BY organization_id
		 ORDER BY organization_id`,
		batchID,
		ledgerdomain.RowStatusQueued,
	).Scan(&totals).Error
	return totals, err
}

func (r *Repository) CountOrganizations(ctx context.Context, batchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT organization_id)
		 FROM usage_log_rows
		 WHERE processing_batch_id = ? AND status = ?`,
		batchID,
		ledgerdomain.RowStatusQueued,
	).Scan(&count).Error
	return count, err
}

type queuedBatchRow struct {
	BatchID         string
	ConfirmedAt     *time.Time
	OldestClaimedAt time.Time
}

func (r *Repository) ListQueuedBatches(ctx context.Context) ([]ledgerdomain.QueuedBatch, error) {
	var rows []queuedBatchRow
	err := r.db.WithContext(ctx).Raw(
		`SELECT processing_batch_id AS batch_id,
		        MAX(batch_confirmed_at) AS confirmed_at,
		        MIN(updated_at) AS oldest_claimed_at
		 FROM usage_log_rows
		 WHERE status = ? AND processing_batch_id IS NOT NULL
		 GROUP BY processing_batch_id
		 ORDER BY oldest_claimed_at ASC`,
		ledgerdomain.RowStatusQueued,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	batches := make([]ledgerdomain.QueuedBatch, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, ledgerdomain.QueuedBatch{
			BatchID:         row.BatchID,
			Confirmed:       row.ConfirmedAt != nil,
			OldestClaimedAt: row.OldestClaimedAt,
		})
	}
	return batches, nil
}

func (r *Repository) ConfirmBatch(ctx context.Context, batchID string, now time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE usage_log_rows
		 SET batch_confirmed_at = ?, updated_at = ?
		 WHERE processing_batch_id = ? AND status = ?`,
		now,
		now,
		batchID,
		ledgerdomain.RowStatusQueued,
	).Error
}

func (r *Repository) FinalizeBatch(ctx context.Context, batchID string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE usage_log_rows
		 SET status = ?, updated_at = ?
		 WHERE processing_batch_id = ? AND status = ?`,
		ledgerdomain.RowStatusProcessed,
		now,
		batchID,
		ledgerdomain.RowStatusQueued,
	)
	return result.RowsAffected, result.Error
}

func (r *Repository) RevertBatch(ctx context.Context, batchID string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE usage_log_rows
		 SET status = ?, processing_batch_id = NULL, batch_confirmed_at = NULL, updated_at = ?
		 WHERE processing_batch_id = ? AND status = ?`,
		ledgerdomain.RowStatusPending,
		now,
		batchID,
		ledgerdomain.RowStatusQueued,
	)
	return result.RowsAffected, result.Error
}

func (r *Repository) RevertOrganization(ctx context.Context, batchID, organizationID string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE usage_log_rows
		 SET status = ?, processing_batch_id = NULL, batch_confirmed_at = NULL, updated_at = ?
		 WHERE processing_batch_id = ? AND organization_id = ? AND status = ?`,
		ledgerdomain.RowStatusPending,
		now,
		batchID,
		organizationID,
		ledgerdomain.RowStatusQueued,
	)
	return result.RowsAffected, result.Error
}
