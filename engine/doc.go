// Package engine provides the sandboxed execution engine over wazero.
//
// The engine owns one precompiled Module per distinct binary source
// (content-addressed, cached for the application's lifetime) and produces
// cheap, isolated Instances from it on demand, one per invocation.
//
// # Resource enforcement
//
// Each component declares a memory budget (wasm pages) and an execution
// budget (wall clock). The memory budget is enforced by the wazero
// runtime the module is compiled into; the execution budget by a per-call
// context deadline with CloseOnContextDone, which preempts runaway guest
// code by closing its module. Preemption discards the instance; the
// engine holds no mutable state outside the instance, so nothing shared
// can be corrupted. All per-component runtimes share one compilation
// cache, so machine code for a binary is generated once regardless of
// how many memory budgets it runs under.
//
// # Invocation outcomes
//
//	OutcomeOK                  handler returned a payload
//	OutcomeTimeout             execution budget exceeded, instance preempted
//	OutcomeCancelled           invocation context cancelled (draining)
//	OutcomeResourceExhausted   guest allocator hit the memory budget
//	OutcomeFaulted             guest trapped or exited abnormally
//
// None of these escape as host-process failures.
//
// # Guest ABI
//
// Guests are core wasm modules exporting a linear memory named "memory",
// an allocator, and a handler:
//
//	alloc(size: i32) -> i32                    returns 0 when out of budget
//	handle(ptr: i32, len: i32) -> i64          packed (ptr << 32) | len
//
// The handler receives its payload as a (ptr, len) pair previously
// written through alloc and returns a packed pointer to its response
// buffer, or 0 for an empty response.
//
// Host capability imports live in the "wasmhost" module:
//
//	kv_get(store, storeLen, key, keyLen, retPtr) -> status
//	kv_set(store, storeLen, key, keyLen, val, valLen) -> status
//	kv_delete(store, storeLen, key, keyLen) -> status
//	kv_keys(store, storeLen, retPtr) -> status     newline-joined keys
//	variable_get(name, nameLen, retPtr) -> status
//	outbound_allow(host, hostLen, port) -> status
//	log(level, ptr, len)
//
// retPtr names 8 bytes of guest memory receiving a (ptr, len) pair the
// host filled through alloc. Status codes:
//
//	0 ok   1 not-found   2 unauthorized   3 provider failure
//	4 invalid argument   5 resource exhausted
//
// Capability calls fail with a status code, never a trap: a component may
// handle an ungranted or failed call and keep running. The invocation's
// capability set is carried on the call context, so concurrent instances
// of the same module are linked to their own providers.
//
// # Thread safety
//
// Engine and Module are safe for concurrent use. Instance is owned by a
// single invocation and is not.
package engine
