// Package errors provides the structured error taxonomy used throughout
// the host.
//
// Every error carries a Phase (where in the invocation pipeline it
// occurred) and a Kind (its category). Dispatchers map kinds onto
// protocol responses; the supervisor treats only load-phase validation
// and engine construction failures as fatal.
//
// Matching is by phase and kind:
//
//	if errors.IsKind(err, errors.KindTimeout) { ... }
package errors
