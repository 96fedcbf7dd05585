package capability

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/errors"
)

// spyStore records whether any call reached the backend.
type spyStore struct {
	MemoryStore
	touched bool
}

func (s *spyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.touched = true
	return s.MemoryStore.Get(ctx, key)
}

func testApp(t *testing.T, grants []app.CapabilityGrant, vars map[string]app.VariableSource) *app.LockedApp {
	t.Helper()
	a, err := app.New(app.Config{
		Name: "test",
		Components: []app.LockedComponent{{
			ID:     "echo",
			Source: app.NewBinarySource([]byte("\x00asm-echo")),
			Limits: app.ResourceLimits{MemoryPages: 16, ExecutionTimeout: time.Second},
			Grants: grants,
		}},
		Variables: vars,
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func TestBind_StoreScope(t *testing.T) {
	granted := NewMemoryStore()
	other := &spyStore{MemoryStore: *NewMemoryStore()}

	a := testApp(t, []app.CapabilityGrant{
		{Kind: app.GrantKeyValue, Stores: []string{"default"}},
	}, nil)

	b := NewBinder(a,
		WithStore("default", granted),
		WithStore("other", other),
	)

	set, err := b.Bind("echo")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if _, err := set.OpenStore("default"); err != nil {
		t.Fatalf("granted store: %v", err)
	}

	_, err = set.OpenStore("other")
	if !errors.IsKind(err, errors.KindUnauthorized) {
		t.Fatalf("ungranted store err = %v, want unauthorized", err)
	}
	if other.touched {
		t.Error("ungranted store call reached the backend")
	}
}

func TestBind_NoKeyValueGrant(t *testing.T) {
	a := testApp(t, nil, nil)
	b := NewBinder(a, WithStore("default", NewMemoryStore()))

	set, err := b.Bind("echo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := set.OpenStore("default"); !errors.IsKind(err, errors.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestBind_UnknownComponent(t *testing.T) {
	b := NewBinder(testApp(t, nil, nil))
	if _, err := b.Bind("ghost"); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestValidate_UnknownStore(t *testing.T) {
	a := testApp(t, []app.CapabilityGrant{
		{Kind: app.GrantKeyValue, Stores: []string{"missing"}},
	}, nil)
	b := NewBinder(a)
	if err := b.Validate(); !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("Validate = %v, want validation", err)
	}
}

func TestVariables_GrantFilterAndDefaults(t *testing.T) {
	ctx := context.Background()
	a := testApp(t, []app.CapabilityGrant{
		{Kind: app.GrantVariables, Names: []string{"greeting", "api_key"}},
	}, map[string]app.VariableSource{
		"greeting": {Default: "hello"},
		"api_key":  {Required: true},
		"hidden":   {Default: "secret"},
	})

	b := NewBinder(a, WithVariables(StaticVariables{"api_key": "k123"}))
	set, err := b.Bind("echo")
	if err != nil {
		t.Fatal(err)
	}
	vars := set.Variables()

	if v, err := vars.Resolve(ctx, "api_key"); err != nil || v != "k123" {
		t.Errorf("api_key = %q, %v", v, err)
	}
	// Backend miss with a declared default falls through to the default.
	if v, err := vars.Resolve(ctx, "greeting"); err != nil || v != "hello" {
		t.Errorf("greeting = %q, %v", v, err)
	}
	// Outside the grant's name list.
	if _, err := vars.Resolve(ctx, "hidden"); !errors.IsKind(err, errors.KindUnauthorized) {
		t.Errorf("hidden err = %v, want unauthorized", err)
	}
	// Granted names are not declarations.
	if _, err := vars.Resolve(ctx, "undeclared"); err == nil {
		t.Error("undeclared variable resolved")
	}
}

func TestVariables_RequiredUnresolved(t *testing.T) {
	a := testApp(t, []app.CapabilityGrant{{Kind: app.GrantVariables}},
		map[string]app.VariableSource{"api_key": {Required: true}})

	b := NewBinder(a) // no backend: everything unresolved
	set, err := b.Bind("echo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := set.Variables().Resolve(context.Background(), "api_key"); !errors.IsKind(err, errors.KindCapability) {
		t.Fatalf("err = %v, want capability", err)
	}
}

func TestVariables_NoGrant(t *testing.T) {
	a := testApp(t, nil, map[string]app.VariableSource{"x": {Default: "1"}})
	set, err := NewBinder(a).Bind("echo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := set.Variables().Resolve(context.Background(), "x"); !errors.IsKind(err, errors.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestGate_Allowlist(t *testing.T) {
	ctx := context.Background()
	a := testApp(t, []app.CapabilityGrant{
		{Kind: app.GrantOutboundNetwork, AllowedHosts: []string{"api.example.com", "*.internal"}},
	}, nil)

	set, err := NewBinder(a, WithGate(AllowAllGate{})).Bind("echo")
	if err != nil {
		t.Fatal(err)
	}
	gate := set.Gate()

	if err := gate.Authorize(ctx, "api.example.com", 443); err != nil {
		t.Errorf("exact host: %v", err)
	}
	if err := gate.Authorize(ctx, "db.internal", 5432); err != nil {
		t.Errorf("wildcard host: %v", err)
	}
	if err := gate.Authorize(ctx, "evil.example.com", 443); !errors.IsKind(err, errors.KindUnauthorized) {
		t.Errorf("unlisted host err = %v, want unauthorized", err)
	}
	if err := gate.Authorize(ctx, "api.example.com", 0); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("bad port err = %v, want invalid_input", err)
	}
}

func TestGate_NoGrant(t *testing.T) {
	set, err := NewBinder(testApp(t, nil, nil), WithGate(AllowAllGate{})).Bind("echo")
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Gate().Authorize(context.Background(), "example.com", 80); !errors.IsKind(err, errors.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestGate_BackendDeny(t *testing.T) {
	a := testApp(t, []app.CapabilityGrant{
		{Kind: app.GrantOutboundNetwork, AllowedHosts: []string{"*"}},
	}, nil)
	set, err := NewBinder(a).Bind("echo") // DenyAllGate default
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Gate().Authorize(context.Background(), "example.com", 80); !errors.IsKind(err, errors.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("get missing = %v, want not_found", err)
	}
	if err := s.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "b", []byte("2")); err != nil {
		t.Fatal(err)
	}

	v, err := s.Get(ctx, "a")
	if err != nil || string(v) != "1" {
		t.Fatalf("get a = %q, %v", v, err)
	}
	// Returned value is a copy.
	v[0] = 'X'
	if v2, _ := s.Get(ctx, "a"); string(v2) != "1" {
		t.Error("stored value aliased to returned slice")
	}

	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("keys = %v, %v", keys, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func TestHostAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		host    string
		want    bool
	}{
		{[]string{"*"}, "anything.example.com", true},
		{[]string{"example.com"}, "example.com", true},
		{[]string{"example.com"}, "EXAMPLE.com", true},
		{[]string{"example.com"}, "sub.example.com", false},
		{[]string{"*.example.com"}, "sub.example.com", true},
		{[]string{"*.example.com"}, "example.com", false},
		{nil, "example.com", false},
	}
	for _, tt := range tests {
		if got := hostAllowed(tt.allowed, tt.host); got != tt.want {
			t.Errorf("hostAllowed(%v, %q) = %v, want %v", tt.allowed, tt.host, got, tt.want)
		}
	}
}
