package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterline/internal/balance"
	"github.com/smallbiznis/meterline/internal/clock"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// scriptedBalance returns a per-organization canned outcome and records
// every debit it received.
type scriptedBalance struct {
	mu       sync.Mutex
	outcomes map[string]balance.Outcome
	errs     map[string]error
	calls    []string
}

func newScriptedBalance() *scriptedBalance {
	return &scriptedBalance{
		outcomes: make(map[string]balance.Outcome),
		errs:     make(map[string]error),
	}
}

func (s *scriptedBalance) SetBalanceForOrganization(_ context.Context, _, _ string, _ int64, organizationID string) (balance.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, organizationID)
	if err := s.errs[organizationID]; err != nil {
		return balance.Outcome{}, err
	}
	if outcome, ok := s.outcomes[organizationID]; ok {
		return outcome, nil
	}
	return balance.Outcome{Success: true}, nil
}

func (s *scriptedBalance) CompletedPayments(context.Context, string) (int64, error) {
	return 0, nil
}

type fixture struct {
	consumer *Consumer
	repo     *repository.Repository
	db       *gorm.DB
	balance  *scriptedBalance
	node     *snowflake.Node
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	obsmetrics.ResetBillingMetricsForTest()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledgerdomain.UsageLogRow{}))

	repo := repository.New(db, zap.NewNop())
	bal := newScriptedBalance()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	consumer := New(Params{
		Repo:    repo,
		Balance: bal,
		Clock:   clock.NewFakeClock(now),
		Log:     zap.NewNop(),
	})
	return &fixture{consumer: consumer, repo: repo, db: db, balance: bal, node: node, now: now}
}

// seedQueued puts n rows for org into batchID in the QUEUED state.
func (f *fixture) seedQueued(t *testing.T, batchID, org string, n int) {
	t.Helper()
	rows := make([]ledgerdomain.UsageLogRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, ledgerdomain.UsageLogRow{
			ID:                f.node.Generate(),
			IdempotencyKey:    fmt.Sprintf("%s-%s-%d", t.Name(), org, i),
			OrganizationID:    org,
			Cost:              100,
			Status:            ledgerdomain.RowStatusQueued,
			ProcessingBatchID: &batchID,
			CreatedAt:         f.now,
			UpdatedAt:         f.now,
		})
	}
	require.NoError(t, f.db.Create(&rows).Error)
}

func jobMessage(t *testing.T, id string, job ledgerdomain.BillingJob) queue.Message {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return queue.Message{ID: id, Body: body}
}

func (f *fixture) orgStatus(t *testing.T, org string) ledgerdomain.RowStatus {
	t.Helper()
	var row ledgerdomain.UsageLogRow
	require.NoError(t, f.db.Where("organization_id = ?", org).First(&row).Error)
	return row.Status
}

func TestHandleBatch_SuccessfulDebitAcks(t *testing.T) {
	f := newFixture(t)
	f.seedQueued(t, "batch-1", "org-a", 2)

	got := f.consumer.HandleBatch(context.Background(), []queue.Message{
		jobMessage(t, "1-0", ledgerdomain.BillingJob{
			JobID: "job-1", BatchID: "batch-1", OrganizationID: "org-a", TotalCostInUnits: 200,
		}),
	})

	assert.Equal(t, []queue.Disposition{queue.Ack}, got)
	assert.Equal(t, []string{"org-a"}, f.balance.calls)
	// Rows stay queued; only the orchestrator finalizes them.
	assert.Equal(t, ledgerdomain.RowStatusQueued, f.orgStatus(t, "org-a"))
}

func TestHandleBatch_InsufficientBalanceRevertsAndAcks(t *testing.T) {
	f := newFixture(t)
	f.seedQueued(t, "batch-1", "org-broke", 3)
	f.balance.outcomes["org-broke"] = balance.Outcome{
		Success: false,
		Error:   &balance.OutcomeError{Name: balance.ErrNameInsufficientBalance, Message: "0 units left"},
	}

	got := f.consumer.HandleBatch(context.Background(), []queue.Message{
		jobMessage(t, "1-0", ledgerdomain.BillingJob{
			JobID: "job-1", BatchID: "batch-1", OrganizationID: "org-broke", TotalCostInUnits: 300,
		}),
	})

	assert.Equal(t, []queue.Disposition{queue.Ack}, got)
	assert.Equal(t, ledgerdomain.RowStatusPending, f.orgStatus(t, "org-broke"))
}

func TestHandleBatch_TransportFailureRetriesWithoutRevert(t *testing.T) {
	f := newFixture(t)
	f.seedQueued(t, "batch-1", "org-a", 1)
	f.balance.errs["org-a"] = errors.New("connection refused")

	got := f.consumer.HandleBatch(context.Background(), []queue.Message{
		jobMessage(t, "1-0", ledgerdomain.BillingJob{
			JobID: "job-1", BatchID: "batch-1", OrganizationID: "org-a", TotalCostInUnits: 100,
		}),
	})

	assert.Equal(t, []queue.Disposition{queue.Retry}, got)
	assert.Equal(t, ledgerdomain.RowStatusQueued, f.orgStatus(t, "org-a"))
}

func TestHandleBatch_OtherStructuredFailuresRetry(t *testing.T) {
	f := newFixture(t)
	f.seedQueued(t, "batch-1", "org-a", 1)
	f.balance.outcomes["org-a"] = balance.Outcome{
		Success: false,
		Error:   &balance.OutcomeError{Name: "LEDGER_LOCKED", Message: "try later"},
	}

	got := f.consumer.HandleBatch(context.Background(), []queue.Message{
		jobMessage(t, "1-0", ledgerdomain.BillingJob{
			JobID: "job-1", BatchID: "batch-1", OrganizationID: "org-a", TotalCostInUnits: 100,
		}),
	})

	assert.Equal(t, []queue.Disposition{queue.Retry}, got)
	assert.Equal(t, ledgerdomain.RowStatusQueued, f.orgStatus(t, "org-a"))
}

func TestHandleBatch_MalformedJobsAckWithoutDebit(t *testing.T) {
	f := newFixture(t)

	got := f.consumer.HandleBatch(context.Background(), []queue.Message{
		{ID: "1-0", Body: []byte(`not json`)},
		{ID: "2-0", Body: []byte(`{"jobId":"","batchId":"b","organizationId":"o"}`)},
	})

	assert.Equal(t, []queue.Disposition{queue.Ack, queue.Ack}, got)
	assert.Empty(t, f.balance.calls)
}

func TestHandleBatch_MixedBatchResolvesIndependently(t *testing.T) {
	f := newFixture(t)
	f.seedQueued(t, "batch-1", "org-ok", 1)
	f.seedQueued(t, "batch-1", "org-broke", 1)
	f.seedQueued(t, "batch-1", "org-flaky", 1)

	f.balance.outcomes["org-broke"] = balance.Outcome{
		Success: false,
		Error:   &balance.OutcomeError{Name: balance.ErrNameInsufficientBalance},
	}
	f.balance.errs["org-flaky"] = errors.New("timeout")

	got := f.consumer.HandleBatch(context.Background(), []queue.Message{
		jobMessage(t, "1-0", ledgerdomain.BillingJob{JobID: "j1", BatchID: "batch-1", OrganizationID: "org-ok", TotalCostInUnits: 100}),
		jobMessage(t, "2-0", ledgerdomain.BillingJob{JobID: "j2", BatchID: "batch-1", OrganizationID: "org-broke", TotalCostInUnits: 100}),
		jobMessage(t, "3-0", ledgerdomain.BillingJob{JobID: "j3", BatchID: "batch-1", OrganizationID: "org-flaky", TotalCostInUnits: 100}),
	})

	assert.Equal(t, []queue.Disposition{queue.Ack, queue.Ack, queue.Retry}, got)
	assert.Equal(t, ledgerdomain.RowStatusQueued, f.orgStatus(t, "org-ok"))
	assert.Equal(t, ledgerdomain.RowStatusPending, f.orgStatus(t, "org-broke"))
	assert.Equal(t, ledgerdomain.RowStatusQueued, f.orgStatus(t, "org-flaky"))
}
