package capability

import (
	"context"
	"strings"

	"github.com/wippyai/wasm-host/errors"
)

// scopedGate enforces the grant's host allowlist before consulting the
// backend gate.
type scopedGate struct {
	componentID string
	allowed     []string
	backend     OutboundGate
}

func (g *scopedGate) Authorize(ctx context.Context, host string, port int) error {
	if port <= 0 || port > 65535 {
		return errors.WithComponent(
			errors.New(errors.PhaseCapability, errors.KindInvalidInput, "port %d out of range", port), g.componentID)
	}
	if !hostAllowed(g.allowed, host) {
		return errors.WithComponent(
			errors.Unauthorized("host %q not in outbound allowlist", host), g.componentID)
	}
	if err := g.backend.Authorize(ctx, host, port); err != nil {
		return errors.WithComponent(err, g.componentID)
	}
	return nil
}

// hostAllowed matches host against allowlist entries: exact names, the
// "*" wildcard, or "*.suffix" subdomain wildcards.
func hostAllowed(allowed []string, host string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowed {
		entry = strings.ToLower(entry)
		if entry == "*" || entry == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

// AllowAllGate is the default backend gate: the grant's allowlist is the
// only policy.
type AllowAllGate struct{}

func (AllowAllGate) Authorize(context.Context, string, int) error { return nil }

// DenyAllGate refuses all outbound access regardless of grants. It is the
// binder default so outbound access is opt-in.
type DenyAllGate struct{}

func (DenyAllGate) Authorize(_ context.Context, host string, port int) error {
	return errors.Unauthorized("outbound access to %s:%d denied by host policy", host, port)
}
