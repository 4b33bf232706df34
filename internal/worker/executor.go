package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"ckbridge/settlement/internal/ledger"
	"ckbridge/settlement/internal/models"
	"ckbridge/settlement/internal/service"
)

// Executor runs ledger verification for one processing transaction and
// applies the outcome to the state machine
type Executor struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewExecutor creates a new verification executor
func NewExecutor(manager *WorkerManager) *Executor {
	return &Executor{
		manager: manager,
		logger:  manager.logger.Named("executor"),
	}
}

// Verify polls the ledger for tx's expected payment until it is found, the
// verification window closes or ctx is cancelled
func (e *Executor) Verify(ctx context.Context, tx *models.BridgeTransaction) {
	requestID := tx.BridgeRequestID
	attempt := tx.RetryCount

	exp, err := e.manager.bridge.ExpectedPayment(tx)
	if err != nil {
		e.logger.Error("Cannot derive expected ledger payment",
			zap.String("bridge_request_id", requestID),
			zap.Error(err))
		reason := err.Error()
		e.settle(ctx, requestID, func(ctx context.Context) error {
			_, err := e.manager.bridge.Fail(ctx, requestID, reason)
			return err
		})
		return
	}

	e.logger.Info("Verifying ledger payment",
		zap.String("bridge_request_id", requestID),
		zap.String("recipient", exp.Recipient),
		zap.String("amount", exp.Amount.String()),
		zap.Uint64("memo", exp.Memo))

	match, err := e.manager.poller.PollForPayment(ctx, exp, e.manager.cfg.Ledger.VerificationTimeout)

	switch {
	case err == nil:
		e.settle(ctx, requestID, func(ctx context.Context) error {
			_, err := e.manager.bridge.Complete(ctx, requestID, match, "")
			return err
		})

	case errors.Is(err, ledger.ErrVerificationTimeout):
		e.logger.Warn("Ledger verification timed out",
			zap.String("bridge_request_id", requestID),
			zap.String("reason", match.Error))
		e.settle(ctx, requestID, func(ctx context.Context) error {
			_, err := e.manager.bridge.HandleVerificationTimeout(ctx, requestID, attempt, match)
			return err
		})

	case ctx.Err() != nil:
		e.logger.Info("Ledger verification stopped", zap.String("bridge_request_id", requestID))

	default:
		e.logger.Error("Ledger verification failed",
			zap.String("bridge_request_id", requestID),
			zap.Error(err))
		reason := err.Error()
		e.settle(ctx, requestID, func(ctx context.Context) error {
			_, err := e.manager.bridge.Fail(ctx, requestID, reason)
			return err
		})
	}
}

// settle applies a verification outcome. It runs even if ctx was cancelled
// after the outcome was known. A transaction that already left processing
// rejects the outcome, which is logged and dropped; a timeout is also dropped
// once the transaction was retried into a newer attempt.
func (e *Executor) settle(ctx context.Context, requestID string, apply func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SettleTimeout)
	defer cancel()

	err := apply(ctx)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrIllegalStateTransition):
		e.logger.Warn("Ignoring ledger verification outcome for transaction no longer processing",
			zap.String("bridge_request_id", requestID),
			zap.Error(err))
	default:
		e.logger.Error("Failed to apply ledger verification outcome",
			zap.String("bridge_request_id", requestID),
			zap.Error(err))
	}
}
