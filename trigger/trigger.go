package trigger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/capability"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/observe"
)

// Dispatcher is the shared contract for one event-source type. The
// supervisor starts and stops dispatchers independently; a dispatcher
// builds its routing index from the trigger configs of its type and
// accepts no events before Start or after Stop.
type Dispatcher interface {
	Type() app.TriggerType
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy() bool
}

// Invoker is the shared dispatch tail every dispatcher funnels into:
// bind capabilities, acquire an execution instance, invoke the handler,
// tear the instance down, and record exactly one result. It never
// invokes more than one export per event and never partially applies an
// invocation.
type Invoker struct {
	engine   *engine.Engine
	binder   *capability.Binder
	recorder observe.Recorder
	logger   *zap.Logger
}

// NewInvoker wires the dispatch tail. A nil recorder discards records.
func NewInvoker(eng *engine.Engine, binder *capability.Binder, recorder observe.Recorder, logger *zap.Logger) *Invoker {
	if recorder == nil {
		recorder = observe.NopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{engine: eng, binder: binder, recorder: recorder, logger: logger}
}

// Invoke runs one event against the component owned by tc and returns
// its result. Per-invocation failures are classified in the result and
// never propagate as host errors.
func (v *Invoker) Invoke(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig, payload []byte) engine.Result {
	caps, err := v.binder.Bind(c.ID)
	if err != nil {
		return v.abort(ctx, c, tc, err)
	}

	module, ok := v.engine.Module(c.Source.Digest)
	if !ok {
		// Precompilation happens at startup; a miss here means the
		// supervisor skipped this component.
		return v.abort(ctx, c, tc, errors.New(errors.PhaseDispatch, errors.KindInternal,
			"component %q not precompiled", c.ID))
	}

	instance, err := module.Instantiate(ctx, c, caps)
	if err != nil {
		return v.abort(ctx, c, tc, err)
	}
	defer func() {
		if err := instance.Close(context.WithoutCancel(ctx)); err != nil {
			v.logger.Warn("instance teardown failed",
				zap.String("component", c.ID), zap.Error(err))
		}
	}()

	result := instance.Invoke(ctx, payload)
	v.recorder.Record(ctx, observe.Record{
		InvocationID: instance.ID(),
		ComponentID:  c.ID,
		TriggerType:  tc.Type,
		Route:        tc.Match,
		Outcome:      result.Outcome,
		Duration:     result.Duration,
		Err:          result.Err,
	})
	return result
}

// abort records a failure that happened before an instance existed.
func (v *Invoker) abort(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig, err error) engine.Result {
	result := engine.Result{Outcome: engine.OutcomeOf(err), Err: err}
	v.recorder.Record(ctx, observe.Record{
		InvocationID: uuid.NewString(),
		ComponentID:  c.ID,
		TriggerType:  tc.Type,
		Route:        tc.Match,
		Outcome:      result.Outcome,
		Err:          err,
	})
	return result
}
