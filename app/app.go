package app

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TriggerType identifies an event source. The set is closed; dispatchers
// are compiled in, not plugin-loaded.
type TriggerType string

const (
	TriggerHTTP  TriggerType = "http"
	TriggerRedis TriggerType = "redis"
	TriggerCron  TriggerType = "cron"
)

// GrantKind identifies a host capability a component may be granted.
type GrantKind string

const (
	GrantKeyValue        GrantKind = "key-value"
	GrantVariables       GrantKind = "variables"
	GrantOutboundNetwork GrantKind = "outbound-network"
)

// DefaultExport is the handler export invoked when a component does not
// name one.
const DefaultExport = "handle"

// Limits on the resource budgets a component may declare.
const (
	MaxMemoryPages      = 65536 // wasm32 address space, 64KiB pages
	MaxExecutionTimeout = 5 * time.Minute
)

// Budgets applied when a component declares no explicit limit.
const (
	DefaultMemoryPages      = 256 // 16MiB
	DefaultExecutionTimeout = 30 * time.Second
)

// BinarySource is a content-addressed reference to a compiled wasm module.
type BinarySource struct {
	Digest string // sha256 hex of Bytes
	Bytes  []byte
}

// NewBinarySource digests raw module bytes into a content-addressed source.
func NewBinarySource(b []byte) BinarySource {
	sum := sha256.Sum256(b)
	return BinarySource{Digest: hex.EncodeToString(sum[:]), Bytes: b}
}

// ResourceLimits bound one invocation of a component.
type ResourceLimits struct {
	// MemoryPages caps instance linear memory in 64KiB wasm pages.
	MemoryPages uint32
	// ExecutionTimeout caps wall-clock time for one handler call.
	ExecutionTimeout time.Duration
}

// CapabilityGrant allows a component one scoped host capability.
type CapabilityGrant struct {
	Kind GrantKind
	// Stores names the key-value stores reachable under a key-value grant.
	Stores []string
	// Names restricts a variables grant; nil means all application variables.
	Names []string
	// AllowedHosts scope an outbound-network grant. Entries are exact
	// hostnames or "*.suffix" wildcards.
	AllowedHosts []string
}

// VariableSource describes one application variable binding.
type VariableSource struct {
	Default  string
	Required bool
	Secret   bool
}

// TriggerConfig binds one external event pattern to a component.
type TriggerConfig struct {
	Type        TriggerType
	ComponentID string
	// Match is trigger-type specific: "METHOD /path" for http, a channel
	// name for redis, a cron expression for cron.
	Match  string
	Config map[string]string
}

// LockedComponent is one sandboxed unit of application logic, fully
// resolved at load time.
type LockedComponent struct {
	ID          string
	Source      BinarySource
	Limits      ResourceLimits
	Grants      []CapabilityGrant
	Environment map[string]string
	// Export is the handler export name; empty means DefaultExport.
	Export string
}

// HandlerExport returns the export name the engine should invoke.
func (c LockedComponent) HandlerExport() string {
	if c.Export == "" {
		return DefaultExport
	}
	return c.Export
}

// Granted reports whether the component holds a grant of the given kind,
// returning the first matching grant.
func (c LockedComponent) Granted(kind GrantKind) (CapabilityGrant, bool) {
	for _, g := range c.Grants {
		if g.Kind == kind {
			return g, true
		}
	}
	return CapabilityGrant{}, false
}

// LockedApp is the immutable, fully-resolved application description the
// runtime executes. Construct via New; the value never changes afterwards
// and is safe to share across concurrent invocations without locking.
type LockedApp struct {
	name       string
	components []LockedComponent
	triggers   []TriggerConfig
	variables  map[string]VariableSource
	byID       map[string]int
}

// Name returns the application name.
func (a *LockedApp) Name() string { return a.name }

// Component looks up a component by id.
func (a *LockedApp) Component(id string) (LockedComponent, bool) {
	i, ok := a.byID[id]
	if !ok {
		return LockedComponent{}, false
	}
	return a.components[i], true
}

// Components returns all components in lock-file order.
func (a *LockedApp) Components() []LockedComponent {
	out := make([]LockedComponent, len(a.components))
	copy(out, a.components)
	return out
}

// Triggers returns all trigger configs in lock-file order.
func (a *LockedApp) Triggers() []TriggerConfig {
	out := make([]TriggerConfig, len(a.triggers))
	copy(out, a.triggers)
	return out
}

// TriggersByType returns the triggers of one type, preserving lock-file
// order. Dispatchers use that order as the route tie-break.
func (a *LockedApp) TriggersByType(t TriggerType) []TriggerConfig {
	var out []TriggerConfig
	for _, tc := range a.triggers {
		if tc.Type == t {
			out = append(out, tc)
		}
	}
	return out
}

// Variable looks up a variable binding by name.
func (a *LockedApp) Variable(name string) (VariableSource, bool) {
	v, ok := a.variables[name]
	return v, ok
}

// VariableNames returns the declared variable names.
func (a *LockedApp) VariableNames() []string {
	out := make([]string, 0, len(a.variables))
	for name := range a.variables {
		out = append(out, name)
	}
	return out
}
