package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/capability"
	"github.com/wippyai/wasm-host/errors"
)

// Outcome classifies how an invocation ended.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeFaulted           Outcome = "faulted"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeResourceExhausted Outcome = "resource_exhausted"
)

// Result is the outcome of one invocation. One Result is always
// produced per invocation; a failed invocation carries the classifying
// error alongside its outcome.
type Result struct {
	Outcome  Outcome
	Payload  []byte
	Err      error
	Duration time.Duration
}

// OK reports whether the invocation produced a success payload.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

// Instance is one isolated execution context for a single invocation.
// It binds a shared precompiled module to one invocation's capability
// set. An Instance is owned by exactly one invocation: it is not safe
// for concurrent use and must be closed when the invocation completes,
// is cancelled, or times out.
type Instance struct {
	id        string
	component app.LockedComponent
	module    api.Module
	state     *invokeState
}

// Instantiate creates an execution instance of the module for one
// invocation of component c, with the invocation's capability set linked
// into the wasmhost imports.
func (m *Module) Instantiate(ctx context.Context, c app.LockedComponent, caps *capability.Set) (*Instance, error) {
	env, err := m.env(ctx, c.Limits.MemoryPages)
	if err != nil {
		return nil, err
	}

	st := &invokeState{caps: caps}

	cfg := wazero.NewModuleConfig().WithName("") // anonymous: many live instances per module
	for k, v := range c.Environment {
		cfg = cfg.WithEnv(k, v)
	}

	mod, err := env.runtime.InstantiateModule(withInvokeState(ctx, st), env.compiled, cfg)
	if err != nil {
		return nil, errors.WithComponent(classifyInstantiation(err), c.ID)
	}

	return &Instance{
		id:        uuid.NewString(),
		component: c,
		module:    mod,
		state:     st,
	}, nil
}

// ID returns the instance's unique invocation id.
func (i *Instance) ID() string { return i.id }

// Invoke runs the component's handler export with the given payload
// under the component's execution budget. A Result is always returned;
// failures are classified, never panicked or leaked as host crashes.
func (i *Instance) Invoke(ctx context.Context, payload []byte) Result {
	start := time.Now()

	budget := i.component.Limits.ExecutionTimeout
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	ctx = withInvokeState(ctx, i.state)

	ptr, length, err := i.writePayload(ctx, payload)
	if err != nil {
		return i.failure(err, start)
	}

	handler := i.module.ExportedFunction(i.component.HandlerExport())
	if handler == nil {
		return i.failure(errors.Faulted(nil, "handler export %q missing", i.component.HandlerExport()), start)
	}

	out, err := handler.Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return i.failure(i.classifyCall(ctx, err), start)
	}

	var response []byte
	if len(out) > 0 && out[0] != 0 {
		respPtr := uint32(out[0] >> 32)
		respLen := uint32(out[0])
		data, ok := i.module.Memory().Read(respPtr, respLen)
		if !ok {
			return i.failure(errors.Faulted(nil, "response (ptr=%d, len=%d) outside guest memory", respPtr, respLen), start)
		}
		response = make([]byte, len(data))
		copy(response, data)
	}

	return Result{Outcome: OutcomeOK, Payload: response, Duration: time.Since(start)}
}

// Close tears the instance down, reclaiming its memory and isolation
// resources. Idempotent.
func (i *Instance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}

func (i *Instance) writePayload(ctx context.Context, payload []byte) (uint32, uint32, error) {
	if len(payload) == 0 {
		return 0, 0, nil
	}
	alloc := i.module.ExportedFunction(abiAllocExport)
	if alloc == nil {
		return 0, 0, errors.Faulted(nil, "alloc export missing")
	}
	res, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return 0, 0, i.classifyCall(ctx, err)
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, 0, errors.ResourceExhausted("guest allocator rejected %d byte payload", len(payload))
	}
	if !i.module.Memory().Write(ptr, payload) {
		return 0, 0, errors.Faulted(nil, "payload write outside guest memory")
	}
	return ptr, uint32(len(payload)), nil
}

func (i *Instance) failure(err error, start time.Time) Result {
	err = errors.WithComponent(err, i.component.ID)
	return Result{
		Outcome:  OutcomeOf(err),
		Err:      err,
		Duration: time.Since(start),
	}
}

// classifyCall maps a wazero call error onto the invocation taxonomy.
// CloseOnContextDone preemption surfaces as a sys.ExitError carrying the
// context's verdict; anything else is a guest trap.
func (i *Instance) classifyCall(ctx context.Context, err error) error {
	var already *errors.Error
	if errors.As(err, &already) {
		return already
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return errors.Timeout("execution budget %s exceeded", i.component.Limits.ExecutionTimeout)
		case sys.ExitCodeContextCanceled:
			return errors.Cancelled("invocation cancelled")
		default:
			return errors.Faulted(err, "guest exited with code %d", exit.ExitCode())
		}
	}

	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errors.Timeout("execution budget %s exceeded", i.component.Limits.ExecutionTimeout)
	case context.Canceled:
		return errors.Cancelled("invocation cancelled")
	}

	if i.state.memExhausted {
		return errors.ResourceExhausted("memory budget %d pages exceeded", i.component.Limits.MemoryPages)
	}
	return errors.Faulted(err, "guest trapped")
}

func classifyInstantiation(err error) error {
	var already *errors.Error
	if errors.As(err, &already) {
		return already
	}
	return errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate module")
}

// OutcomeOf classifies an invocation-pipeline error into an outcome.
func OutcomeOf(err error) Outcome {
	switch errors.KindOf(err) {
	case errors.KindTimeout:
		return OutcomeTimeout
	case errors.KindCancelled:
		return OutcomeCancelled
	case errors.KindResourceExhausted:
		return OutcomeResourceExhausted
	default:
		return OutcomeFaulted
	}
}
