package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterline/internal/balance"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testStream = "billing:jobs"

// fakeBalance answers CompletedPayments from a per-batch table.
type fakeBalance struct {
	completed map[string]int64
	err       error
}

func (f *fakeBalance) SetBalanceForOrganization(context.Context, string, string, int64, string) (balance.Outcome, error) {
	return balance.Outcome{Success: true}, nil
}

func (f *fakeBalance) CompletedPayments(_ context.Context, batchID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.completed[batchID], nil
}

type fixture struct {
	orch    *Orchestrator
	repo    *repository.Repository
	db      *gorm.DB
	sender  *queue.MemorySender
	balance *fakeBalance
	clock   *clock.FakeClock
	node    *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	obsmetrics.ResetBillingMetricsForTest()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledgerdomain.UsageLogRow{}))

	repo := repository.New(db, zap.NewNop())
	sender := queue.NewMemorySender()
	fakeBal := &fakeBalance{completed: make(map[string]int64)}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	orch, err := New(Params{
		Repo:      repo,
		Sender:    sender,
		Balance:   fakeBal,
		Clock:     clk,
		Log:       zap.NewNop(),
		AppConfig: config.Config{SettlementStream: testStream},
		Config:    Config{ClaimWindow: 100},
	})
	require.NoError(t, err)

	return &fixture{orch: orch, repo: repo, db: db, sender: sender, balance: fakeBal, clock: clk, node: node}
}

func (f *fixture) seedPending(t *testing.T, org string, n int, cost int64) {
	t.Helper()
	now := f.clock.Now()
	rows := make([]ledgerdomain.UsageLogRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, ledgerdomain.UsageLogRow{
			ID:             f.node.Generate(),
			IdempotencyKey: fmt.Sprintf("%s-%s-%d", t.Name(), org, i),
			OrganizationID: org,
			Cost:           cost,
			Status:         ledgerdomain.RowStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	require.NoError(t, f.repo.InsertRows(context.Background(), rows))
}

func (f *fixture) sentJobs(t *testing.T) []ledgerdomain.BillingJob {
	t.Helper()
	msgs := f.sender.Messages(testStream)
	jobs := make([]ledgerdomain.BillingJob, 0, len(msgs))
	for _, msg := range msgs {
		var job ledgerdomain.BillingJob
		require.NoError(t, json.Unmarshal(msg.Body, &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func (f *fixture) statusCounts(t *testing.T) map[ledgerdomain.RowStatus]int64 {
	t.Helper()
	counts := make(map[ledgerdomain.RowStatus]int64)
	for _, status := range []ledgerdomain.RowStatus{
		ledgerdomain.RowStatusPending,
		ledgerdomain.RowStatusQueued,
		ledgerdomain.RowStatusProcessed,
	} {
		var n int64
		require.NoError(t, f.db.Model(&ledgerdomain.UsageLogRow{}).
			Where("status = ?", status).Count(&n).Error)
		counts[status] = n
	}
	return counts
}

func TestRunOnce_DispatchesOneJobPerOrganization(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "org-a", 3, 100)
	f.seedPending(t, "org-b", 2, 250)

	require.NoError(t, f.orch.RunOnce(context.Background()))

	jobs := f.sentJobs(t)
	require.Len(t, jobs, 2)

	byOrg := make(map[string]ledgerdomain.BillingJob, len(jobs))
	for _, job := range jobs {
		byOrg[job.OrganizationID] = job
		assert.NotEmpty(t, job.JobID)
		assert.Equal(t, jobs[0].BatchID, job.BatchID)
	}
	// Row costs and job totals must agree exactly.
	assert.Equal(t, int64(300), byOrg["org-a"].TotalCostInUnits)
	assert.Equal(t, int64(500), byOrg["org-b"].TotalCostInUnits)

	counts := f.statusCounts(t)
	assert.Equal(t, int64(0), counts[ledgerdomain.RowStatusPending])
	assert.Equal(t, int64(5), counts[ledgerdomain.RowStatusQueued])
}

func TestRunOnce_NoPendingRowsIsANoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RunOnce(context.Background()))
	assert.Empty(t, f.sender.Messages(testStream))
}

func TestRunOnce_ClaimWindowBoundsTheBatch(t *testing.T) {
	f := newFixture(t)
	f.orch.cfg.ClaimWindow = 3
	f.seedPending(t, "org-a", 5, 10)

	require.NoError(t, f.orch.RunOnce(context.Background()))

	counts := f.statusCounts(t)
	assert.Equal(t, int64(3), counts[ledgerdomain.RowStatusQueued])
	assert.Equal(t, int64(2), counts[ledgerdomain.RowStatusPending])
}

func TestRunOnce_DispatchFailureRollsTheClaimBack(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "org-a", 4, 100)
	f.sender.FailNext(errors.New("stream unavailable"))

	err := f.orch.RunOnce(context.Background())
	require.Error(t, err)

	counts := f.statusCounts(t)
	assert.Equal(t, int64(4), counts[ledgerdomain.RowStatusPending])
	assert.Equal(t, int64(0), counts[ledgerdomain.RowStatusQueued])

	// The rows are eligible again on the next tick.
	require.NoError(t, f.orch.RunOnce(context.Background()))
	assert.Len(t, f.sentJobs(t), 1)
}

func TestRunOnce_FinalizesFullySettledBatches(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "org-a", 2, 100)
	f.seedPending(t, "org-b", 1, 100)
	require.NoError(t, f.orch.RunOnce(context.Background()))

	batchID := f.sentJobs(t)[0].BatchID

	// One of two organizations settled: not finalized yet.
	f.balance.completed[batchID] = 1
	f.clock.Advance(time.Minute)
	require.NoError(t, f.orch.RunOnce(context.Background()))
	assert.Equal(t, int64(0), f.statusCounts(t)[ledgerdomain.RowStatusProcessed])

	f.balance.completed[batchID] = 2
	f.clock.Advance(time.Minute)
	require.NoError(t, f.orch.RunOnce(context.Background()))

	counts := f.statusCounts(t)
	assert.Equal(t, int64(3), counts[ledgerdomain.RowStatusProcessed])
	assert.Equal(t, int64(0), counts[ledgerdomain.RowStatusQueued])
}

func TestRunOnce_FinalizesAfterInsufficientOrgReverted(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "org-a", 1, 100)
	f.seedPending(t, "org-broke", 1, 9_999)
	require.NoError(t, f.orch.RunOnce(context.Background()))
	batchID := f.sentJobs(t)[0].BatchID

	// The settlement consumer reverted org-broke after an insufficient
	// balance rejection; only org-a remains in the batch.
	now := f.clock.Now()
	n, err := f.repo.RevertOrganization(context.Background(), batchID, "org-broke", now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	f.balance.completed[batchID] = 1
	f.clock.Advance(time.Minute)
	require.NoError(t, f.orch.RunOnce(context.Background()))

	counts := f.statusCounts(t)
	assert.Equal(t, int64(1), counts[ledgerdomain.RowStatusProcessed])
	// The reverted rows stay pending and get claimed by the same tick's
	// dispatch phase under a fresh batch.
	jobs := f.sentJobs(t)
	require.Len(t, jobs, 3)
	assert.NotEqual(t, batchID, jobs[2].BatchID)
	assert.Equal(t, "org-broke", jobs[2].OrganizationID)
}

func TestRunOnce_AgedUnconfirmedBatchIsNeverReverted(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "org-a", 2, 100)

	// A batch was dispatched but its confirm write was lost, and a balance
	// outage holds every debit at zero completions. The jobs are still in
	// the queue: reverting now would bill the rows a second time once they
	// land, so the rows must stay claimed no matter how old the batch gets.
	now := f.clock.Now()
	claimed, err := f.repo.ClaimWindow(context.Background(), "lost-confirm", 100, now)
	require.NoError(t, err)
	require.Equal(t, int64(2), claimed)

	require.NoError(t, f.orch.RunOnce(context.Background()))
	assert.Equal(t, int64(2), f.statusCounts(t)[ledgerdomain.RowStatusQueued])
	assert.Empty(t, f.sentJobs(t))

	for i := 0; i < 3; i++ {
		f.clock.Advance(f.orch.cfg.RecoveryThreshold + time.Minute)
		require.NoError(t, f.orch.RunOnce(context.Background()))
	}

	// No new jobs were cut for those rows and they are still in the
	// original batch, waiting for the outage to clear.
	assert.Empty(t, f.sentJobs(t))
	counts := f.statusCounts(t)
	assert.Equal(t, int64(2), counts[ledgerdomain.RowStatusQueued])
	assert.Equal(t, int64(0), counts[ledgerdomain.RowStatusPending])

	// Outage over: the in-flight jobs settle, the batch is re-confirmed on
	// one tick and finalized on the next. Exactly one debit per row.
	f.balance.completed["lost-confirm"] = 1
	f.clock.Advance(time.Minute)
	require.NoError(t, f.orch.RunOnce(context.Background()))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.orch.RunOnce(context.Background()))

	assert.Empty(t, f.sentJobs(t))
	assert.Equal(t, int64(2), f.statusCounts(t)[ledgerdomain.RowStatusProcessed])
}

func TestRunOnce_ConfirmsStrandedBatchWithCompletedPayments(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "org-a", 1, 100)

	now := f.clock.Now()
	_, err := f.repo.ClaimWindow(context.Background(), "lost-confirm", 100, now)
	require.NoError(t, err)
	f.balance.completed["lost-confirm"] = 1

	f.clock.Advance(f.orch.cfg.RecoveryThreshold + time.Minute)
	require.NoError(t, f.orch.RunOnce(context.Background()))

	// Not reverted or re-dispatched: the debit already happened upstream.
	assert.Empty(t, f.sentJobs(t))

	// Confirmed now, so the next tick can finalize it.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.orch.RunOnce(context.Background()))
	assert.Equal(t, int64(1), f.statusCounts(t)[ledgerdomain.RowStatusProcessed])
}

func TestRunOnce_BalanceOutageDoesNotBlockDispatch(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "org-a", 1, 100)
	require.NoError(t, f.orch.RunOnce(context.Background()))

	f.balance.err = errors.New("balance service down")
	f.seedPending(t, "org-b", 1, 100)
	f.clock.Advance(time.Minute)

	err := f.orch.RunOnce(context.Background())
	require.Error(t, err)

	// Phase 2 still dispatched org-b's rows.
	jobs := f.sentJobs(t)
	require.Len(t, jobs, 2)
	assert.Equal(t, "org-b", jobs[1].OrganizationID)
}
