package app

import (
	"net/http"
	"strings"

	"github.com/wippyai/wasm-host/errors"
)

// Config collects the inputs to New. The loader at the boundary fills one
// in from a lock file; tests build them directly.
type Config struct {
	Name       string
	Components []LockedComponent
	Triggers   []TriggerConfig
	Variables  map[string]VariableSource
}

// New validates cfg and freezes it into a LockedApp. Validation failures
// are load-phase errors of kind validation and are fatal to startup; a
// LockedApp that constructs successfully never fails structurally at
// runtime.
func New(cfg Config) (*LockedApp, error) {
	if cfg.Name == "" {
		return nil, errors.Validation("application name is empty")
	}
	if len(cfg.Components) == 0 {
		return nil, errors.Validation("application %q has no components", cfg.Name)
	}

	components := make([]LockedComponent, len(cfg.Components))
	copy(components, cfg.Components)

	byID := make(map[string]int, len(components))
	for i := range components {
		c := &components[i]
		if c.Limits.MemoryPages == 0 {
			c.Limits.MemoryPages = DefaultMemoryPages
		}
		if c.Limits.ExecutionTimeout == 0 {
			c.Limits.ExecutionTimeout = DefaultExecutionTimeout
		}
		if err := validateComponent(*c); err != nil {
			return nil, err
		}
		if _, dup := byID[c.ID]; dup {
			return nil, errors.Validation("duplicate component id %q", c.ID)
		}
		byID[c.ID] = i
	}

	httpRoutes := make(map[string]int)
	for i, tc := range cfg.Triggers {
		if err := validateTrigger(i, tc, byID, httpRoutes); err != nil {
			return nil, err
		}
	}
	triggers := make([]TriggerConfig, len(cfg.Triggers))
	copy(triggers, cfg.Triggers)
	variables := make(map[string]VariableSource, len(cfg.Variables))
	for name, v := range cfg.Variables {
		if name == "" {
			return nil, errors.Validation("variable with empty name")
		}
		variables[name] = v
	}

	return &LockedApp{
		name:       cfg.Name,
		components: components,
		triggers:   triggers,
		variables:  variables,
		byID:       byID,
	}, nil
}

func validateComponent(c LockedComponent) error {
	if c.ID == "" {
		return errors.Validation("component with empty id")
	}
	if len(c.Source.Bytes) == 0 {
		return errors.Validation("component %q has no binary source", c.ID)
	}
	if c.Source.Digest == "" {
		return errors.Validation("component %q has no source digest", c.ID)
	}
	if want := NewBinarySource(c.Source.Bytes).Digest; c.Source.Digest != want {
		return errors.Validation("component %q digest mismatch: have %s want %s", c.ID, c.Source.Digest, want)
	}
	if c.Limits.MemoryPages == 0 || c.Limits.MemoryPages > MaxMemoryPages {
		return errors.Validation("component %q memory limit %d pages out of range [1, %d]",
			c.ID, c.Limits.MemoryPages, MaxMemoryPages)
	}
	if c.Limits.ExecutionTimeout <= 0 || c.Limits.ExecutionTimeout > MaxExecutionTimeout {
		return errors.Validation("component %q execution timeout %s out of range (0, %s]",
			c.ID, c.Limits.ExecutionTimeout, MaxExecutionTimeout)
	}
	for _, g := range c.Grants {
		switch g.Kind {
		case GrantKeyValue:
			if len(g.Stores) == 0 {
				return errors.Validation("component %q key-value grant names no stores", c.ID)
			}
		case GrantVariables, GrantOutboundNetwork:
		default:
			return errors.Validation("component %q grant of unknown capability %q", c.ID, g.Kind)
		}
	}
	return nil
}

// httpMethods is the method set http routers accept. A match rule with
// any other method word fails validation instead of surfacing later as a
// router registration panic.
var httpMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodHead: {}, http.MethodPost: {},
	http.MethodPut: {}, http.MethodPatch: {}, http.MethodDelete: {},
	http.MethodConnect: {}, http.MethodOptions: {}, http.MethodTrace: {},
}

func validateTrigger(i int, tc TriggerConfig, byID map[string]int, httpRoutes map[string]int) error {
	if _, ok := byID[tc.ComponentID]; !ok {
		return errors.Validation("trigger %d references unknown component %q", i, tc.ComponentID)
	}
	if tc.Match == "" {
		return errors.Validation("trigger %d for component %q has empty match rule", i, tc.ComponentID)
	}
	switch tc.Type {
	case TriggerHTTP:
		method, path, ok := strings.Cut(tc.Match, " ")
		if !ok || method == "" || !strings.HasPrefix(path, "/") {
			return errors.Validation("trigger %d: http match %q is not \"METHOD /path\"", i, tc.Match)
		}
		method = strings.ToUpper(method)
		if _, ok := httpMethods[method]; !ok {
			return errors.Validation("trigger %d: http match %q uses unknown method %q", i, tc.Match, method)
		}
		route := method + " " + path
		if prev, dup := httpRoutes[route]; dup {
			return errors.Validation("trigger %d: http route %q already bound by trigger %d", i, route, prev)
		}
		httpRoutes[route] = i
	case TriggerRedis, TriggerCron:
	default:
		return errors.Validation("trigger %d has unknown type %q", i, tc.Type)
	}
	return nil
}
