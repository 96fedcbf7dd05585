// Package capability defines the host capability contracts the engine
// links into a component's imports, and the grant scoping that keeps each
// component inside its declared access.
//
// Three capabilities exist: key-value stores, variable resolution, and
// the outbound-network gate. Concrete backends (in-memory, redis, env)
// implement the narrow interfaces here; richer backends live outside the
// core and plug in the same way.
//
// The Binder is built once per application from the locked model and the
// registered backends. Each invocation gets its own Set via Bind: the Set
// exposes only the stores, variables and hosts the owning component's
// grants cover, and fails everything else with an unauthorized error
// before any backend is consulted.
package capability
