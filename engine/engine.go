package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/errors"
)

// Engine owns precompiled modules and produces isolated execution
// instances from them. One Engine serves the whole application; it is
// safe for concurrent use.
type Engine struct {
	cache    wazero.CompilationCache
	logger   *zap.Logger
	compiles atomic.Int64

	mu      sync.Mutex
	modules map[string]*Module // binary source digest → module
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine with a shared compilation cache. Machine code is
// shared across all per-component runtimes through the cache, so a binary
// is never code-generated twice even when components carry different
// memory limits.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		cache:   wazero.NewCompilationCache(),
		logger:  Logger(),
		modules: make(map[string]*Module),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Precompile compiles the component's binary source exactly once per
// distinct content digest and verifies the component's ABI exports.
// Identical sources across components share one Module. Any failure here
// is fatal to startup; the supervisor never enters Running on a partially
// compiled application.
func (e *Engine) Precompile(ctx context.Context, c app.LockedComponent) (*Module, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New(errors.PhaseCompile, errors.KindInternal, "engine closed")
	}
	m, ok := e.modules[c.Source.Digest]
	if !ok {
		m = &Module{
			engine: e,
			digest: c.Source.Digest,
			bytes:  c.Source.Bytes,
			envs:   make(map[uint32]*moduleEnv),
		}
		e.modules[c.Source.Digest] = m
	}
	e.mu.Unlock()

	// Compile for this component's memory budget. The first call per
	// budget does the work; repeats hit the env map.
	env, err := m.env(ctx, c.Limits.MemoryPages)
	if err != nil {
		if !ok {
			e.dropModule(c.Source.Digest)
		}
		return nil, err
	}

	if err := verifyABI(env, c); err != nil {
		return nil, err
	}

	if !ok {
		e.logger.Debug("precompiled component binary",
			zap.String("digest", c.Source.Digest),
			zap.String("component", c.ID))
	}
	return m, nil
}

// Module returns the cached module for a binary source digest.
func (e *Engine) Module(digest string) (*Module, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modules[digest]
	return m, ok
}

// CompileCount reports how many distinct compilations have run. Tests use
// it to assert precompilation idempotence.
func (e *Engine) CompileCount() int64 {
	return e.compiles.Load()
}

// dropModule removes a digest entry whose creating compile failed. A
// concurrent Precompile for the same digest may have compiled an env of
// its own in the meantime; the entry stays whenever any env exists so a
// later Module lookup still finds it.
func (e *Engine) dropModule(digest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modules[digest]
	if !ok {
		return
	}
	m.mu.Lock()
	compiled := len(m.envs) > 0
	m.mu.Unlock()
	if !compiled {
		delete(e.modules, digest)
	}
}

// Close releases all runtimes and the compilation cache. All instances
// must be closed first.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	modules := make([]*Module, 0, len(e.modules))
	for _, m := range e.modules {
		modules = append(modules, m)
	}
	e.modules = make(map[string]*Module)
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for _, m := range modules {
		if err := m.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
