// Package wat compiles a subset of the WebAssembly text format to binary
// modules.
//
// It exists so tests and fixtures can define guest components inline as
// readable WAT instead of checked-in binaries. The subset covers what
// host-runtime guests need: func imports, flat (unfolded) instruction
// sequences over the i32/i64 integer ops, block/loop/if control flow with
// numeric or $named labels, one memory with inline export, and data
// segments. Folded expressions, named params, globals, tables and the
// float ops are not supported.
package wat
