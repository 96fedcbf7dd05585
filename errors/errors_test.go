package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:     PhaseCapability,
				Kind:      KindUnauthorized,
				Component: "cart",
				Detail:    "store \"other\" not granted",
			},
			contains: []string{"[capability]", "unauthorized", "cart", "store \"other\" not granted"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseInvoke,
				Kind:  KindTimeout,
			},
			contains: []string{"[invoke]", "timeout"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseCompile,
				Kind:   KindInvalidInput,
				Detail: "not a wasm binary",
				Cause:  stderrors.New("bad magic"),
			},
			contains: []string{"[compile]", "invalid_input", "not a wasm binary", "caused by: bad magic"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("error message %q missing %q", msg, want)
				}
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err := Timeout("budget exceeded after %dms", 50)

	if !stderrors.Is(err, &Error{Phase: PhaseInvoke, Kind: KindTimeout}) {
		t.Error("expected match on phase+kind")
	}
	if stderrors.Is(err, &Error{Phase: PhaseInvoke, Kind: KindFaulted}) {
		t.Error("unexpected match on different kind")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := CapabilityFailed(cause, "kv get")

	if !stderrors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
	if got := KindOf(Faulted(nil, "trap")); got != KindFaulted {
		t.Errorf("KindOf = %q, want %q", got, KindFaulted)
	}
	if got := KindOf(stderrors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %q, want %q", got, KindInternal)
	}
}

func TestIsKind_WrappedChain(t *testing.T) {
	inner := Unauthorized("store %q not granted", "other")
	outer := WithComponent(inner, "cart")

	if !IsKind(outer, KindUnauthorized) {
		t.Error("kind lost through WithComponent")
	}
	if outer.Component != "cart" {
		t.Errorf("component = %q, want cart", outer.Component)
	}
	if inner.Component != "" {
		t.Error("WithComponent mutated the original error")
	}
}

func TestWithComponent_ForeignError(t *testing.T) {
	err := WithComponent(stderrors.New("boom"), "echo")
	if err.Kind != KindInternal {
		t.Errorf("kind = %q, want internal", err.Kind)
	}
	if err.Component != "echo" {
		t.Errorf("component = %q", err.Component)
	}
}
