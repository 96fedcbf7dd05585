package observe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/engine"
)

// Record is the structured summary of one invocation. Exactly one Record
// is emitted per dispatched event, whatever its outcome.
type Record struct {
	InvocationID string
	ComponentID  string
	TriggerType  app.TriggerType
	Route        string
	Outcome      engine.Outcome
	Duration     time.Duration
	Err          error
}

// Recorder consumes invocation records. Implementations choose the sink;
// the core only guarantees the one-record-per-invocation contract.
// Recorders must be safe for concurrent use and must not block the
// dispatch path for long.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// NopRecorder discards all records.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Record) {}

// MultiRecorder fans one record out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, rec Record) {
	for _, r := range m {
		r.Record(ctx, rec)
	}
}

// ZapRecorder logs one structured line per invocation.
type ZapRecorder struct {
	logger *zap.Logger
}

// NewZapRecorder creates a recorder writing to l.
func NewZapRecorder(l *zap.Logger) *ZapRecorder {
	return &ZapRecorder{logger: l}
}

func (z *ZapRecorder) Record(_ context.Context, rec Record) {
	fields := []zap.Field{
		zap.String("invocation", rec.InvocationID),
		zap.String("component", rec.ComponentID),
		zap.String("trigger", string(rec.TriggerType)),
		zap.String("route", rec.Route),
		zap.String("outcome", string(rec.Outcome)),
		zap.Duration("duration", rec.Duration),
	}
	if rec.Err != nil {
		fields = append(fields, zap.Error(rec.Err))
		z.logger.Warn("invocation finished", fields...)
		return
	}
	z.logger.Info("invocation finished", fields...)
}
