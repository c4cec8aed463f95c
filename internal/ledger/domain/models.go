// Package domain contains the priced-usage ledger model and the repository
// contract the workers share.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RowStatus is the settlement state of one ledger row.
//
// PENDING --(claim)--> QUEUED --(finalize)--> PROCESSED, with compensating
// edges QUEUED -> PENDING when dispatch fails or the organization's debit
// is rejected. PROCESSED is terminal.
type RowStatus string

const (
	RowStatusPending   RowStatus = "PENDING"
	RowStatusQueued    RowStatus = "QUEUED"
	RowStatusProcessed RowStatus = "PROCESSED"
)

type ConnectionType string

const (
	ConnectionDirect         ConnectionType = "direct"
	ConnectionOrganizational ConnectionType = "organizational"
)

// UsageLogRow is one priced usage event.
type UsageLogRow struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	IdempotencyKey    string            `gorm:"type:text;not null;uniqueIndex"`
	OrganizationID    string            `gorm:"type:text;not null;index"`
	InputTokens       int64             `gorm:"not null;default:0"`
	OutputTokens      int64             `gorm:"not null;default:0"`
	Cost              int64             `gorm:"not null;default:0"` // micro-currency units
	Model             string            `gorm:"type:text;not null;default:''"`
	ConnectionType    ConnectionType    `gorm:"type:text;not null;default:direct"`
	To                string            `gorm:"column:to_address;type:text;not null;default:''"`
	From              *string           `gorm:"column:from_address;type:text"`
	Status            RowStatus         `gorm:"type:text;not null;index;default:PENDING"`
	ProcessingBatchID *string           `gorm:"type:text;index"`
	BatchConfirmedAt  *time.Time        `gorm:""`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null"`
	UpdatedAt         time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageLogRow) TableName() string { return "usage_log_rows" }

// OrgTotal is the per-organization cost aggregation of a claimed batch.
type OrgTotal struct {
	OrganizationID string
	TotalCost      int64
}

// QueuedBatch describes one in-flight batch, derived from its rows.
type QueuedBatch struct {
	BatchID         string
	Confirmed       bool
	OldestClaimedAt time.Time
}

// BillingJob is the settlement queue payload: one per-organization debit
// request per batch. JobID is the idempotency key of the debit.
type BillingJob struct {
	JobID            string `json:"jobId"`
	BatchID          string `json:"batchId"`
	OrganizationID   string `json:"organizationId"`
	TotalCostInUnits int64  `json:"totalCostInUnits"`
}

var (
	ErrEmptyAggregation = errors.New("ledger: empty aggregation for non-empty claim")
)
