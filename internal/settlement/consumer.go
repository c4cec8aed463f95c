// Package settlement consumes billing jobs and debits each organization's
// balance, reverting an organization's rows when the balance service
// rejects the debit outright.
package settlement

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/smallbiznis/meterline/internal/balance"
	"github.com/smallbiznis/meterline/internal/clock"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Repo    ledgerdomain.Repository
	Balance balance.Client
	Clock   clock.Clock
	Log     *zap.Logger
}

type Consumer struct {
	repo    ledgerdomain.Repository
	balance balance.Client
	clock   clock.Clock
	log     *zap.Logger
}

func New(p Params) *Consumer {
	return &Consumer{
		repo:    p.Repo,
		balance: p.Balance,
		clock:   p.Clock,
		log:     p.Log.Named("settlement"),
	}
}

// HandleBatch settles every job in the delivery concurrently. Jobs are
// independent organizations, and the debit is idempotent on
// (batchId, jobId), so redelivery after a partial batch is safe.
func (c *Consumer) HandleBatch(ctx context.Context, msgs []queue.Message) []queue.Disposition {
	dispositions := make([]queue.Disposition, len(msgs))

	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg queue.Message) {
			defer wg.Done()
			dispositions[i] = c.settle(ctx, msg)
		}(i, msg)
	}
	wg.Wait()

	return dispositions
}

func (c *Consumer) settle(ctx context.Context, msg queue.Message) queue.Disposition {
	billing := obsmetrics.Billing()

	var job ledgerdomain.BillingJob
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.JobID == "" || job.BatchID == "" || job.OrganizationID == "" {
		c.log.Warn("malformed billing job dropped",
			zap.String("message_id", msg.ID), zap.Error(err))
		billing.IncSettlementOutcome(obsmetrics.SettlementOutcomeMalformed)
		return queue.Ack
	}

	log := c.log.With(
		zap.String("job_id", job.JobID),
		zap.String("batch_id", job.BatchID),
		zap.String("organization_id", job.OrganizationID),
	)

	outcome, err := c.balance.SetBalanceForOrganization(ctx, job.BatchID, job.JobID, job.TotalCostInUnits, job.OrganizationID)
	if err != nil {
		// Transport failure: the debit may or may not have landed, but the
		// operation is idempotent, so redelivery is the right move.
		log.Warn("balance call failed, job will be redelivered", zap.Error(err))
		billing.IncSettlementOutcome(obsmetrics.SettlementOutcomeRetried)
		return queue.Retry
	}

	if outcome.Success {
		log.Info("organization debited",
			zap.Int64("total_cost_in_units", job.TotalCostInUnits))
		billing.IncSettlementOutcome(obsmetrics.SettlementOutcomeDebited)
		return queue.Ack
	}

	if outcome.InsufficientBalance() {
		// A business rejection, not a fault: release the organization's
		// rows back to PENDING so a later batch can retry them, and ack.
		n, err := c.repo.RevertOrganization(ctx, job.BatchID, job.OrganizationID, c.clock.Now())
		if err != nil {
			log.Error("revert after insufficient balance failed", zap.Error(err))
			billing.IncSettlementOutcome(obsmetrics.SettlementOutcomeRetried)
			return queue.Retry
		}
		log.Warn("insufficient balance, organization rows released",
			zap.Int64("rows", n),
			zap.Int64("total_cost_in_units", job.TotalCostInUnits))
		billing.IncSettlementOutcome(obsmetrics.SettlementOutcomeInsufficient)
		return queue.Ack
	}

	// Any other structured failure is a balance-side system fault.
	name := ""
	if outcome.Error != nil {
		name = outcome.Error.Name
	}
	log.Warn("balance service reported failure, job will be redelivered",
		zap.String("error_name", name))
	billing.IncSettlementOutcome(obsmetrics.SettlementOutcomeRetried)
	return queue.Retry
}
