// Package outbox drains the durable offline queue against the server.
package outbox

import (
	"context"

	"github.com/rfarah/trim/internal/apperr"
	"github.com/rfarah/trim/internal/bus"
	"github.com/rfarah/trim/internal/retry"
	"github.com/rfarah/trim/internal/store"
	"go.uber.org/zap"
)

// Executor applies one queued operation against the server. The engine
// implements this; it knows how to decode each operation kind and
// reconcile the optimistic record with the server's response.
type Executor interface {
	Execute(ctx context.Context, op *store.PendingOperation) error
}

// Dispatcher pulls due operations from the queue and hands them to the
// executor, applying the shared backoff policy between attempts.
type Dispatcher struct {
	st     *store.Store
	exec   Executor
	bus    *bus.Bus
	policy retry.Policy
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher over the given store and executor.
func NewDispatcher(st *store.Store, exec Executor, b *bus.Bus, policy retry.Policy, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		st:     st,
		exec:   exec,
		bus:    b,
		policy: policy,
		logger: logger,
	}
}

// Drain processes every due operation once and returns how many were
// delivered. Each operation gets a single attempt per drain; failures
// are rescheduled or dead-lettered, never retried in a tight loop.
func (d *Dispatcher) Drain(ctx context.Context, nowMillis int64) (int, error) {
	ops, err := d.st.DueOperations(nowMillis)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range ops {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		op := &ops[i]
		if err := d.st.MarkOperationInFlight(op.ID); err != nil {
			d.logger.Error("failed to claim operation", zap.Error(err), zap.String("op_id", op.ID))
			continue
		}

		if err := d.exec.Execute(ctx, op); err != nil {
			d.handleFailure(op, nowMillis, err)
			continue
		}

		if err := d.st.DequeueOperation(op.ID); err != nil {
			d.logger.Error("failed to dequeue operation", zap.Error(err), zap.String("op_id", op.ID))
			continue
		}
		delivered++
		d.logger.Info("operation delivered",
			zap.String("op_id", op.ID),
			zap.String("kind", string(op.Kind)),
		)
	}
	return delivered, nil
}

// handleFailure decides between reschedule and dead-letter. Pure
// connectivity failures do not consume the retry budget: being offline
// for an hour must not dead-letter a queued message.
func (d *Dispatcher) handleFailure(op *store.PendingOperation, nowMillis int64, err error) {
	if apperr.IsConnectivity(err) {
		next := nowMillis + d.policy.Delay(1).Milliseconds()
		if rerr := d.st.RescheduleOperation(op.ID, op.RetryCount, next, err.Error()); rerr != nil {
			d.logger.Error("failed to reschedule operation", zap.Error(rerr), zap.String("op_id", op.ID))
		}
		return
	}

	retryCount := op.RetryCount + 1
	if apperr.Retryable(err) && !d.policy.Exhausted(retryCount) {
		next := nowMillis + d.policy.Delay(retryCount).Milliseconds()
		d.logger.Warn("operation attempt failed",
			zap.Error(err),
			zap.String("op_id", op.ID),
			zap.Int("retry_count", retryCount),
		)
		if rerr := d.st.RescheduleOperation(op.ID, retryCount, next, err.Error()); rerr != nil {
			d.logger.Error("failed to reschedule operation", zap.Error(rerr), zap.String("op_id", op.ID))
		}
		return
	}

	d.logger.Error("operation dead-lettered",
		zap.Error(err),
		zap.String("op_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.Int("retry_count", op.RetryCount),
	)
	if derr := d.st.MarkOperationDead(op.ID, err.Error()); derr != nil {
		d.logger.Error("failed to dead-letter operation", zap.Error(derr), zap.String("op_id", op.ID))
	}
	d.bus.Publish(bus.OperationDead{
		OperationID:   op.ID,
		TargetLocalID: op.TargetLocalID,
		Reason:        err.Error(),
	})
}
