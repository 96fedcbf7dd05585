package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/errors"
)

// Module is the precompiled, immutable artifact for one distinct binary
// source. It is shared by reference across every execution instance of
// that binary and lives for the application's lifetime.
type Module struct {
	engine *Engine
	digest string
	bytes  []byte

	mu   sync.Mutex
	envs map[uint32]*moduleEnv
}

// moduleEnv is the wazero runtime for one memory budget. The runtime
// carries the memory limit, context-done preemption, and the wasmhost
// host module; the compiled module within it is reused by every instance
// at that budget.
type moduleEnv struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Digest returns the content address of the module's binary source.
func (m *Module) Digest() string { return m.digest }

func (m *Module) env(ctx context.Context, memoryPages uint32) (*moduleEnv, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env, ok := m.envs[memoryPages]; ok {
		return env, nil
	}

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryPages).
		WithCloseOnContextDone(true).
		WithCompilationCache(m.engine.cache)

	runtime := wazero.NewRuntimeWithConfig(ctx, cfg)

	if err := instantiateHostModule(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate host module")
	}

	compiled, err := runtime.CompileModule(ctx, m.bytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidInput, err, "compile module %s", m.digest)
	}
	m.engine.compiles.Add(1)

	env := &moduleEnv{runtime: runtime, compiled: compiled}
	m.envs[memoryPages] = env
	return env, nil
}

// verifyABI checks the exports the host ABI requires: the component's
// handler, the alloc function, and an exported linear memory.
func verifyABI(env *moduleEnv, c app.LockedComponent) error {
	exports := env.compiled.ExportedFunctions()
	if _, ok := exports[c.HandlerExport()]; !ok {
		return errors.New(errors.PhaseCompile, errors.KindNotFound,
			"component %q: handler export %q not found", c.ID, c.HandlerExport())
	}
	if _, ok := exports[abiAllocExport]; !ok {
		return errors.New(errors.PhaseCompile, errors.KindNotFound,
			"component %q: required export %q not found", c.ID, abiAllocExport)
	}
	if _, ok := env.compiled.ExportedMemories()[abiMemoryExport]; !ok {
		return errors.New(errors.PhaseCompile, errors.KindNotFound,
			"component %q: exported memory %q not found", c.ID, abiMemoryExport)
	}
	return nil
}

func (m *Module) close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, env := range m.envs {
		if err := env.runtime.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.envs = make(map[uint32]*moduleEnv)
	return errors.Join(errs...)
}
