// Package orchestrator runs the periodic batch tick: it finalizes batches
// the balance service has fully settled, then claims a new window of
// pending ledger rows and fans it out as per-organization billing jobs.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/meterline/internal/balance"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("orchestrator: missing dependency")

type Params struct {
	fx.In

	Repo    ledgerdomain.Repository
	Sender  queue.Sender
	Balance balance.Client
	Clock   clock.Clock
	Log     *zap.Logger

	AppConfig config.Config
	Config    Config `optional:"true"`
}

type Orchestrator struct {
	repo    ledgerdomain.Repository
	sender  queue.Sender
	balance balance.Client
	clock   clock.Clock
	log     *zap.Logger
	cfg     Config
	stream  string
}

func New(p Params) (*Orchestrator, error) {
	if p.Repo == nil || p.Sender == nil || p.Balance == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	return &Orchestrator{
		repo:    p.Repo,
		sender:  p.Sender,
		balance: p.Balance,
		clock:   p.Clock,
		log:     p.Log.Named("orchestrator"),
		cfg:     p.Config.withDefaults(),
		stream:  p.AppConfig.SettlementStream,
	}, nil
}

func (o *Orchestrator) RunForever(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := o.RunOnce(ctx); err != nil {
			o.log.Warn("orchestrator tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one tick. Settlement bookkeeping runs first so a batch
// finished since the last tick frees its rows before new work is claimed;
// its errors never block the dispatch phase.
func (o *Orchestrator) RunOnce(parent context.Context) error {
	billing := obsmetrics.Billing()
	billing.IncJobRun("orchestrate")
	start := o.clock.Now()

	ctx, cancel := context.WithTimeout(parent, o.cfg.TickTimeout)
	defer cancel()

	ctx, span := otel.Tracer("meterline/orchestrator").Start(ctx, "orchestrator.tick")
	defer span.End()

	now := o.clock.Now()
	err := errors.Join(
		o.settleFinished(ctx, now),
		o.dispatchPending(ctx, now),
	)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
	}

	billing.ObserveJobDuration("orchestrate", time.Since(start))
	if err != nil {
		billing.IncJobError("orchestrate")
	}
	return err
}

// settleFinished walks every in-flight batch: finalizes the fully settled
// ones, re-confirms batches that lost their confirm write after dispatch,
// and flags any batch that has been waiting too long.
func (o *Orchestrator) settleFinished(ctx context.Context, now time.Time) error {
	batches, err := o.repo.ListQueuedBatches(ctx)
	if err != nil {
		return err
	}

	billing := obsmetrics.Billing()
	var jobErr error
	stuck := 0

	for _, batch := range batches {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		log := o.log.With(zap.String("batch_id", batch.BatchID))

		if !batch.Confirmed {
			if now.Sub(batch.OldestClaimedAt) < o.cfg.RecoveryThreshold {
				// A live tick may still be between claim and confirm.
				continue
			}
			// The confirm write can be lost after the jobs went out. If the
			// balance service has seen any of this batch's jobs, the enqueue
			// happened; only the marker is missing.
			completed, err := o.balance.CompletedPayments(ctx, batch.BatchID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			if completed > 0 {
				if err := o.repo.ConfirmBatch(ctx, batch.BatchID, now); err != nil {
					jobErr = errors.Join(jobErr, err)
				}
				continue
			}
			// Zero completions is absence of evidence, not proof the jobs
			// were never dispatched: a balance outage stalls every debit at
			// zero while the jobs sit in the queue. Reverting here would let
			// those jobs debit AND re-claim the rows under a new batch, so
			// the rows stay put and operators get paged instead.
			stuck++
			log.Warn("unconfirmed batch aged without completed payments",
				zap.Duration("age", now.Sub(batch.OldestClaimedAt)))
			continue
		}

		completed, err := o.balance.CompletedPayments(ctx, batch.BatchID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		total, err := o.repo.CountOrganizations(ctx, batch.BatchID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		if total > 0 && completed >= total {
			rows, err := o.repo.FinalizeBatch(ctx, batch.BatchID, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			billing.IncBatchFinalized()
			log.Info("batch finalized",
				zap.Int64("rows", rows),
				zap.Int64("organizations", total))
			continue
		}

		if now.Sub(batch.OldestClaimedAt) >= o.cfg.BatchAgeAlert {
			// Never force-expired: the debits may still land, and reverting
			// a confirmed batch risks double billing. Humans decide.
			stuck++
			log.Warn("confirmed batch still awaiting settlement",
				zap.Duration("age", now.Sub(batch.OldestClaimedAt)),
				zap.Int64("completed_payments", completed),
				zap.Int64("organizations", total))
		}
	}

	billing.SetStuckBatches(stuck)
	return jobErr
}

// dispatchPending claims one window of pending rows under a fresh batch ID
// and enqueues one billing job per organization. Any failure between claim
// and enqueue rolls the whole window back to PENDING.
func (o *Orchestrator) dispatchPending(ctx context.Context, now time.Time) error {
	batchID := uuid.NewString()

	claimed, err := o.repo.ClaimWindow(ctx, batchID, o.cfg.ClaimWindow, now)
	if err != nil {
		return err
	}
	if claimed == 0 {
		return nil
	}

	billing := obsmetrics.Billing()
	billing.AddRowsClaimed(claimed)
	log := o.log.With(zap.String("batch_id", batchID))

	totals, err := o.repo.AggregateByBatch(ctx, batchID)
	if err != nil {
		return o.rollback(ctx, batchID, now, obsmetrics.RollbackReasonDispatchFailed, err)
	}
	if len(totals) == 0 {
		// Claimed rows with no aggregate means the sums and the claim
		// disagree; refuse to bill from it.
		return o.rollback(ctx, batchID, now, obsmetrics.RollbackReasonEmptyAggregation, ledgerdomain.ErrEmptyAggregation)
	}

	payloads := make([][]byte, 0, len(totals))
	for _, total := range totals {
		job := ledgerdomain.BillingJob{
			JobID:            uuid.NewString(),
			BatchID:          batchID,
			OrganizationID:   total.OrganizationID,
			TotalCostInUnits: total.TotalCost,
		}
		body, err := json.Marshal(job)
		if err != nil {
			return o.rollback(ctx, batchID, now, obsmetrics.RollbackReasonDispatchFailed, err)
		}
		payloads = append(payloads, body)
	}

	if err := o.sender.Send(ctx, o.stream, payloads); err != nil {
		return o.rollback(ctx, batchID, now, obsmetrics.RollbackReasonDispatchFailed, err)
	}

	if err := o.repo.ConfirmBatch(ctx, batchID, now); err != nil {
		// The jobs are already out. Recovery on a later tick sees completed
		// payments for this batch and re-confirms instead of reverting.
		log.Error("batch dispatched but confirm failed", zap.Error(err))
		return err
	}

	billing.AddJobsEnqueued(len(payloads))
	log.Info("batch dispatched",
		zap.Int64("rows", claimed),
		zap.Int("organizations", len(payloads)))
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, batchID string, now time.Time, reason string, cause error) error {
	if _, err := o.repo.RevertBatch(ctx, batchID, now); err != nil {
		return errors.Join(cause, err)
	}
	obsmetrics.Billing().IncBatchRolledBack(reason)
	o.log.Warn("batch rolled back",
		zap.String("batch_id", batchID),
		zap.String("reason", reason),
		zap.Error(cause))
	return cause
}
