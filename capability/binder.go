package capability

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/errors"
)

func unauthorizedStore(componentID, store string) error {
	return errors.WithComponent(
		errors.Unauthorized("key-value store %q not granted", store), componentID)
}

// Binder constructs per-invocation capability sets from a component's
// grants and the backends registered with it. Backends are shared and
// must be safe for concurrent use; the Set handed to each invocation is
// not shared.
type Binder struct {
	application *app.LockedApp
	stores      map[string]KeyValueStore
	variables   VariableResolver
	gate        OutboundGate
	logger      *zap.Logger
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithStore registers a key-value backend under a store name.
func WithStore(name string, store KeyValueStore) BinderOption {
	return func(b *Binder) { b.stores[name] = store }
}

// WithVariables sets the backend variable resolver consulted before
// declared defaults apply.
func WithVariables(r VariableResolver) BinderOption {
	return func(b *Binder) { b.variables = r }
}

// WithGate sets the backend outbound gate consulted after the grant's
// host allowlist.
func WithGate(g OutboundGate) BinderOption {
	return func(b *Binder) { b.gate = g }
}

// WithLogger sets the logger Sets derive component-scoped loggers from.
func WithLogger(l *zap.Logger) BinderOption {
	return func(b *Binder) { b.logger = l }
}

// NewBinder creates a binder for one locked application.
func NewBinder(application *app.LockedApp, opts ...BinderOption) *Binder {
	b := &Binder{
		application: application,
		stores:      make(map[string]KeyValueStore),
		gate:        DenyAllGate{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.variables == nil {
		b.variables = StaticVariables(nil)
	}
	return b
}

// Validate checks that every store named by a grant has a registered
// backend. Called once at startup; a failure is a load-phase validation
// error and fatal.
func (b *Binder) Validate() error {
	for _, c := range b.application.Components() {
		g, ok := c.Granted(app.GrantKeyValue)
		if !ok {
			continue
		}
		for _, name := range g.Stores {
			if _, ok := b.stores[name]; !ok {
				return errors.Validation("component %q granted unknown store %q", c.ID, name)
			}
		}
	}
	return nil
}

// Bind builds the capability set for one invocation of componentID.
func (b *Binder) Bind(componentID string) (*Set, error) {
	c, ok := b.application.Component(componentID)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLink, "component %q", componentID)
	}

	set := &Set{
		componentID: componentID,
		stores:      make(map[string]KeyValueStore),
		logger:      b.logger.With(zap.String("component", componentID)),
	}

	if g, ok := c.Granted(app.GrantKeyValue); ok {
		for _, name := range g.Stores {
			backend, ok := b.stores[name]
			if !ok {
				return nil, errors.Validation("component %q granted unknown store %q", componentID, name)
			}
			set.stores[name] = backend
		}
	}

	set.variables = b.bindVariables(c)
	set.gate = b.bindGate(c)

	return set, nil
}

func (b *Binder) bindVariables(c app.LockedComponent) VariableResolver {
	g, ok := c.Granted(app.GrantVariables)
	if !ok {
		return ungrantedVariables{componentID: c.ID}
	}

	var allowed map[string]struct{}
	if g.Names != nil {
		allowed = make(map[string]struct{}, len(g.Names))
		for _, n := range g.Names {
			allowed[n] = struct{}{}
		}
	}
	return &scopedVariables{
		componentID: c.ID,
		application: b.application,
		backend:     b.variables,
		allowed:     allowed,
	}
}

func (b *Binder) bindGate(c app.LockedComponent) OutboundGate {
	g, ok := c.Granted(app.GrantOutboundNetwork)
	if !ok {
		return ungrantedGate{componentID: c.ID}
	}
	return &scopedGate{
		componentID: c.ID,
		allowed:     g.AllowedHosts,
		backend:     b.gate,
	}
}

// ungrantedVariables fails every resolve: the component holds no
// variables grant at all.
type ungrantedVariables struct{ componentID string }

func (u ungrantedVariables) Resolve(context.Context, string) (string, error) {
	return "", errors.WithComponent(errors.Unauthorized("variables capability not granted"), u.componentID)
}

// ungrantedGate denies every outbound connection.
type ungrantedGate struct{ componentID string }

func (u ungrantedGate) Authorize(context.Context, string, int) error {
	return errors.WithComponent(errors.Unauthorized("outbound-network capability not granted"), u.componentID)
}
