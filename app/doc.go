// Package app defines the locked application model: the immutable,
// fully-resolved description of an application the runtime executes.
//
// A LockedApp holds the component list with per-component resource limits
// and capability grants, the trigger routing table, and variable bindings.
// Construction validates cross-references (every trigger must name an
// existing component, every grant a known capability kind, every limit an
// allowed range) and fails with a validation error otherwise.
//
// The value is read-only for the rest of the process. Any live update
// replaces the whole value; fields are never mutated in place, which keeps
// concurrent readers consistent without locking.
//
// Producing a LockedApp from on-disk or registry artifacts is the loader's
// concern (see package lockfile); this package only defines and validates
// the in-memory form.
package app
