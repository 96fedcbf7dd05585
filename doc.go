// Package wasmhost runs locked WebAssembly applications: immutable
// bundles of sandboxed components bound to external triggers through
// granted capabilities.
//
// # Architecture Overview
//
// The host is organized into packages with distinct responsibilities:
//
//	wasm-host/
//	├── app/          Locked application model and load-time validation
//	├── lockfile/     YAML lock file loading and binary resolution
//	├── engine/       wazero execution engine, guest ABI, resource limits
//	├── capability/   Key-value, variable and outbound-network providers
//	├── trigger/      Dispatch layer shared by all trigger types
//	│   ├── http/     HTTP routes into component handlers
//	│   ├── redis/    Redis pub/sub channels into component handlers
//	│   └── cron/     Cron schedules into component handlers
//	├── supervisor/   Host lifecycle: precompile, serve, drain
//	├── observe/      Per-invocation records, logs and CloudEvents
//	├── errors/       Structured error types shared across packages
//	└── wat/          WAT text to wasm compiler used by the test suites
//
// A host process loads one application from its lock file, precompiles
// every component, and serves the application's triggers until asked to
// drain. Components never share state except through the capability
// providers their grants name; an invocation that faults, times out, or
// exhausts its budgets is reported on its trigger without affecting any
// other invocation.
//
// The cmd/wasm-host command wires these packages into a runnable
// process configured from the environment and flags.
package wasmhost
