package capability

import (
	"context"

	"go.uber.org/zap"
)

// KeyValueStore is the key-value capability a component may be granted.
// Implementations may perform I/O; every call takes a context and returns
// a definite result or failure. Failures must be structured errors from
// the errors package so the engine can surface them as guest status codes.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// VariableResolver resolves application variables for a component.
// Unknown names fail with kind not_found.
type VariableResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// OutboundGate authorizes outbound network access. A nil return means the
// connection may proceed; denial is an unauthorized error.
type OutboundGate interface {
	Authorize(ctx context.Context, host string, port int) error
}

// Set is the concrete capability surface of one invocation. It is built
// from the owning component's grants and never exposes another
// component's grants or backends. A Set is owned by exactly one
// invocation and must not be shared.
type Set struct {
	componentID string
	stores      map[string]KeyValueStore
	variables   VariableResolver
	gate        OutboundGate
	logger      *zap.Logger
}

// ComponentID returns the id of the component the set was bound for.
func (s *Set) ComponentID() string { return s.componentID }

// OpenStore returns the named key-value store, failing with unauthorized
// when the component's grants do not cover it. The backend is never
// consulted for an ungranted store.
func (s *Set) OpenStore(name string) (KeyValueStore, error) {
	store, ok := s.stores[name]
	if !ok {
		return nil, unauthorizedStore(s.componentID, name)
	}
	return store, nil
}

// Variables returns the invocation's variable resolver.
func (s *Set) Variables() VariableResolver { return s.variables }

// Gate returns the invocation's outbound-network gate.
func (s *Set) Gate() OutboundGate { return s.gate }

// Logger returns the component-scoped logger for guest log calls.
func (s *Set) Logger() *zap.Logger { return s.logger }
