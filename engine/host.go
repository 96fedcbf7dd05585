package engine

import (
	"context"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/capability"
	"github.com/wippyai/wasm-host/errors"
)

// Host ABI surface. Guests export alloc and a linear memory; the host
// exposes capability imports under the wasmhost module.
const (
	abiHostModule   = "wasmhost"
	abiAllocExport  = "alloc"
	abiMemoryExport = "memory"
)

// Capability call status codes returned to the guest.
const (
	statusOK                = 0
	statusNotFound          = 1
	statusUnauthorized      = 2
	statusProviderFailure   = 3
	statusInvalidArgument   = 4
	statusResourceExhausted = 5
)

// invokeState is the per-invocation context the host functions read. It
// carries the invocation's capability set, so two concurrent instances of
// one module never observe each other's providers.
type invokeState struct {
	caps         *capability.Set
	memExhausted bool
}

type invokeStateKey struct{}

func withInvokeState(ctx context.Context, st *invokeState) context.Context {
	return context.WithValue(ctx, invokeStateKey{}, st)
}

func stateFrom(ctx context.Context) *invokeState {
	st, _ := ctx.Value(invokeStateKey{}).(*invokeState)
	return st
}

// instantiateHostModule binds the wasmhost capability imports into a
// runtime. The functions are shared by all instances in the runtime; the
// per-invocation capability set rides on the call context.
func instantiateHostModule(ctx context.Context, r wazero.Runtime) error {
	i32 := api.ValueTypeI32
	b := r.NewHostModuleBuilder(abiHostModule)

	type hostFunc struct {
		name    string
		fn      api.GoModuleFunc
		params  []api.ValueType
		results []api.ValueType
	}
	funcs := []hostFunc{
		{"kv_get", hostKVGet, []api.ValueType{i32, i32, i32, i32, i32}, []api.ValueType{i32}},
		{"kv_set", hostKVSet, []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}},
		{"kv_delete", hostKVDelete, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}},
		{"kv_keys", hostKVKeys, []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
		{"variable_get", hostVariableGet, []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
		{"outbound_allow", hostOutboundAllow, []api.ValueType{i32, i32, i32}, []api.ValueType{i32}},
		{"log", hostLog, []api.ValueType{i32, i32, i32}, nil},
	}
	for _, f := range funcs {
		b.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			Export(f.name)
	}

	_, err := b.Instantiate(ctx)
	return err
}

// statusOf maps a capability error onto an ABI status code.
func statusOf(err error) uint64 {
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return statusNotFound
	case errors.KindUnauthorized:
		return statusUnauthorized
	case errors.KindInvalidInput:
		return statusInvalidArgument
	default:
		return statusProviderFailure
	}
}

// readString copies a (ptr, len) pair out of guest memory.
func readString(m api.Module, ptr, length uint32) (string, bool) {
	b, ok := m.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeResult allocates a guest buffer via the exported alloc, copies
// data into it, and stores the (ptr, len) pair at retPtr.
func writeResult(ctx context.Context, m api.Module, st *invokeState, retPtr uint32, data []byte) uint64 {
	alloc := m.ExportedFunction(abiAllocExport)
	if alloc == nil {
		return statusInvalidArgument
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(res) == 0 {
		return statusProviderFailure
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		// The guest allocator could not grow memory inside its budget.
		st.memExhausted = true
		return statusResourceExhausted
	}
	mem := m.Memory()
	if !mem.Write(ptr, data) ||
		!mem.WriteUint32Le(retPtr, ptr) ||
		!mem.WriteUint32Le(retPtr+4, uint32(len(data))) {
		return statusInvalidArgument
	}
	return statusOK
}

func hostKVGet(ctx context.Context, m api.Module, stack []uint64) {
	st := stateFrom(ctx)
	store, key, ok := storeAndKey(m, stack)
	if st == nil || !ok {
		stack[0] = statusInvalidArgument
		return
	}
	retPtr := uint32(stack[4])

	kv, err := st.caps.OpenStore(store)
	if err != nil {
		stack[0] = statusOf(err)
		return
	}
	value, err := kv.Get(ctx, key)
	if err != nil {
		stack[0] = statusOf(err)
		return
	}
	stack[0] = writeResult(ctx, m, st, retPtr, value)
}

func hostKVSet(ctx context.Context, m api.Module, stack []uint64) {
	st := stateFrom(ctx)
	store, key, ok := storeAndKey(m, stack)
	if st == nil || !ok {
		stack[0] = statusInvalidArgument
		return
	}
	value, ok := m.Memory().Read(uint32(stack[4]), uint32(stack[5]))
	if !ok {
		stack[0] = statusInvalidArgument
		return
	}

	kv, err := st.caps.OpenStore(store)
	if err != nil {
		stack[0] = statusOf(err)
		return
	}
	if err := kv.Set(ctx, key, value); err != nil {
		stack[0] = statusOf(err)
		return
	}
	stack[0] = statusOK
}

func hostKVDelete(ctx context.Context, m api.Module, stack []uint64) {
	st := stateFrom(ctx)
	store, key, ok := storeAndKey(m, stack)
	if st == nil || !ok {
		stack[0] = statusInvalidArgument
		return
	}

	kv, err := st.caps.OpenStore(store)
	if err != nil {
		stack[0] = statusOf(err)
		return
	}
	if err := kv.Delete(ctx, key); err != nil {
		stack[0] = statusOf(err)
		return
	}
	stack[0] = statusOK
}

func hostKVKeys(ctx context.Context, m api.Module, stack []uint64) {
	st := stateFrom(ctx)
	if st == nil {
		stack[0] = statusInvalidArgument
		return
	}
	store, ok := readString(m, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = statusInvalidArgument
		return
	}
	retPtr := uint32(stack[2])

	kv, err := st.caps.OpenStore(store)
	if err != nil {
		stack[0] = statusOf(err)
		return
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		stack[0] = statusOf(err)
		return
	}
	stack[0] = writeResult(ctx, m, st, retPtr, []byte(joinLines(keys)))
}

func hostVariableGet(ctx context.Context, m api.Module, stack []uint64) {
	st := stateFrom(ctx)
	if st == nil {
		stack[0] = statusInvalidArgument
		return
	}
	name, ok := readString(m, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = statusInvalidArgument
		return
	}
	retPtr := uint32(stack[2])

	value, err := st.caps.Variables().Resolve(ctx, name)
	if err != nil {
		stack[0] = statusOf(err)
		return
	}
	stack[0] = writeResult(ctx, m, st, retPtr, []byte(value))
}

func hostOutboundAllow(ctx context.Context, m api.Module, stack []uint64) {
	st := stateFrom(ctx)
	if st == nil {
		stack[0] = statusInvalidArgument
		return
	}
	host, ok := readString(m, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = statusInvalidArgument
		return
	}
	port := int(int32(stack[2]))

	if err := st.caps.Gate().Authorize(ctx, host, port); err != nil {
		stack[0] = statusOf(err)
		return
	}
	stack[0] = statusOK
}

func hostLog(ctx context.Context, m api.Module, stack []uint64) {
	st := stateFrom(ctx)
	if st == nil {
		return
	}
	msg, ok := readString(m, uint32(stack[1]), uint32(stack[2]))
	if !ok {
		return
	}
	logger := st.caps.Logger()
	switch stack[0] {
	case 0:
		logger.Debug(msg)
	case 1:
		logger.Info(msg)
	case 2:
		logger.Warn(msg)
	default:
		logger.Error(msg, zap.Uint64("level", stack[0]))
	}
}

func storeAndKey(m api.Module, stack []uint64) (store, key string, ok bool) {
	store, ok = readString(m, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		return "", "", false
	}
	key, ok = readString(m, uint32(stack[2]), uint32(stack[3]))
	if !ok {
		return "", "", false
	}
	return store, key, true
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
