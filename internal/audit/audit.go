// Package audit records one event per bridge transaction state transition.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ckbridge/settlement/internal/models"
)

// Transition names
const (
	TransitionInitiate       = "initiate"
	TransitionMarkProcessing = "mark_processing"
	TransitionComplete       = "complete"
	TransitionFail           = "fail"
	TransitionMarkStuck      = "mark_stuck"
	TransitionRetry          = "retry"
	TransitionCancel         = "cancel"
	TransitionAdminForce     = "admin_force"
	TransitionRecordPayout   = "record_payout"
)

// Event describes a single state transition
type Event struct {
	Transition      string              `json:"transition"`
	TransactionID   string              `json:"transaction_id"`
	BridgeRequestID string              `json:"bridge_request_id"`
	From            models.BridgeStatus `json:"from"`
	To              models.BridgeStatus `json:"to"`
	Actor           string              `json:"actor"`
	Note            string              `json:"note,omitempty"`
	At              time.Time           `json:"at"`
}

// Sink delivers events to an external log
type Sink interface {
	Record(ctx context.Context, event Event) error
}

const sinkTimeout = 3 * time.Second

// Emitter sends events to a sink without ever failing the caller. Failed
// deliveries are logged; a failed delivery for a completion is logged as a
// high severity alert.
type Emitter struct {
	sink   Sink
	logger *zap.Logger
}

// NewEmitter creates an emitter over sink
func NewEmitter(sink Sink, logger *zap.Logger) *Emitter {
	return &Emitter{
		sink:   sink,
		logger: logger.Named("audit"),
	}
}

// Emit records event. The transition it describes has already been persisted.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	// the caller's request may already be finishing
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	err := e.sink.Record(ctx, event)
	if err == nil {
		return
	}

	fields := []zap.Field{
		zap.String("transition", event.Transition),
		zap.String("bridge_request_id", event.BridgeRequestID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.Error(err),
	}

	if event.To == models.BridgeStatusCompleted {
		e.logger.Error("Failed to record audit event for completed payment",
			append(fields, zap.String("severity", "high"))...)
		return
	}
	e.logger.Warn("Failed to record audit event", fields...)
}

// LogSink writes events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event at Info
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs the event
func (s *LogSink) Record(_ context.Context, event Event) error {
	s.logger.Info("Audit event",
		zap.String("transition", event.Transition),
		zap.String("transaction_id", event.TransactionID),
		zap.String("bridge_request_id", event.BridgeRequestID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("actor", event.Actor),
		zap.String("note", event.Note),
		zap.Time("at", event.At))
	return nil
}
