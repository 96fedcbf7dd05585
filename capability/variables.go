package capability

import (
	"context"
	"os"
	"strings"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/errors"
)

// scopedVariables filters a component's variable access by its grant and
// applies the application's declared defaults.
type scopedVariables struct {
	componentID string
	application *app.LockedApp
	backend     VariableResolver
	allowed     map[string]struct{} // nil means all declared variables
}

func (s *scopedVariables) Resolve(ctx context.Context, name string) (string, error) {
	if s.allowed != nil {
		if _, ok := s.allowed[name]; !ok {
			return "", errors.WithComponent(
				errors.Unauthorized("variable %q not granted", name), s.componentID)
		}
	}

	decl, ok := s.application.Variable(name)
	if !ok {
		return "", errors.WithComponent(
			errors.NotFound(errors.PhaseCapability, "variable %q not declared", name), s.componentID)
	}

	value, err := s.backend.Resolve(ctx, name)
	switch {
	case err == nil:
		return value, nil
	case errors.IsKind(err, errors.KindNotFound):
		if decl.Required {
			return "", errors.WithComponent(
				errors.CapabilityFailed(err, "required variable %q unresolved", name), s.componentID)
		}
		return decl.Default, nil
	default:
		return "", errors.WithComponent(
			errors.CapabilityFailed(err, "resolve variable %q", name), s.componentID)
	}
}

// StaticVariables resolves from a fixed in-memory map.
type StaticVariables map[string]string

func (s StaticVariables) Resolve(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.NotFound(errors.PhaseCapability, "variable %q", name)
	}
	return v, nil
}

// EnvVariables resolves variables from the process environment with a
// prefix, uppercasing and replacing dashes: prefix "SHOP_" maps
// "api-key" to SHOP_API_KEY.
type EnvVariables struct {
	Prefix string
}

func (e EnvVariables) Resolve(_ context.Context, name string) (string, error) {
	key := e.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.NotFound(errors.PhaseCapability, "variable %q (env %s)", name, key)
	}
	return v, nil
}
