package app

import (
	"strings"
	"testing"
	"time"

	"github.com/wippyai/wasm-host/errors"
)

func validComponent(id string) LockedComponent {
	return LockedComponent{
		ID:     id,
		Source: NewBinarySource([]byte("\x00asm" + id)),
		Limits: ResourceLimits{MemoryPages: 16, ExecutionTimeout: time.Second},
	}
}

func TestNew_Valid(t *testing.T) {
	a, err := New(Config{
		Name:       "shop",
		Components: []LockedComponent{validComponent("cart"), validComponent("checkout")},
		Triggers: []TriggerConfig{
			{Type: TriggerHTTP, ComponentID: "cart", Match: "GET /cart"},
			{Type: TriggerHTTP, ComponentID: "checkout", Match: "POST /checkout"},
			{Type: TriggerRedis, ComponentID: "cart", Match: "cart-events"},
		},
		Variables: map[string]VariableSource{"api_key": {Required: true, Secret: true}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := a.Component("cart"); !ok {
		t.Error("cart component not found")
	}
	if _, ok := a.Component("nope"); ok {
		t.Error("unexpected component")
	}
	if got := len(a.TriggersByType(TriggerHTTP)); got != 2 {
		t.Errorf("http triggers = %d, want 2", got)
	}
	if got := len(a.TriggersByType(TriggerCron)); got != 0 {
		t.Errorf("cron triggers = %d, want 0", got)
	}
	if v, ok := a.Variable("api_key"); !ok || !v.Secret {
		t.Errorf("variable api_key = %+v, ok=%v", v, ok)
	}
}

func TestNew_DanglingTriggerReference(t *testing.T) {
	_, err := New(Config{
		Name:       "shop",
		Components: []LockedComponent{validComponent("cart")},
		Triggers:   []TriggerConfig{{Type: TriggerHTTP, ComponentID: "ghost", Match: "GET /"}},
	})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error %q does not name the dangling id", err)
	}
}

func TestNew_DuplicateComponentID(t *testing.T) {
	_, err := New(Config{
		Name:       "shop",
		Components: []LockedComponent{validComponent("cart"), validComponent("cart")},
	})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestNew_LimitsOutOfRange(t *testing.T) {
	for name, mutate := range map[string]func(*LockedComponent){
		"memory too large": func(c *LockedComponent) { c.Limits.MemoryPages = MaxMemoryPages + 1 },
		"negative timeout": func(c *LockedComponent) { c.Limits.ExecutionTimeout = -time.Second },
		"timeout too long": func(c *LockedComponent) { c.Limits.ExecutionTimeout = MaxExecutionTimeout + time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			c := validComponent("cart")
			mutate(&c)
			_, err := New(Config{Name: "shop", Components: []LockedComponent{c}})
			if !errors.IsKind(err, errors.KindValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestNew_DefaultsUnsetLimits(t *testing.T) {
	c := validComponent("cart")
	c.Limits = ResourceLimits{}
	a, err := New(Config{Name: "shop", Components: []LockedComponent{c}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, _ := a.Component("cart")
	if got.Limits.MemoryPages != DefaultMemoryPages {
		t.Errorf("MemoryPages = %d, want %d", got.Limits.MemoryPages, DefaultMemoryPages)
	}
	if got.Limits.ExecutionTimeout != DefaultExecutionTimeout {
		t.Errorf("ExecutionTimeout = %s, want %s", got.Limits.ExecutionTimeout, DefaultExecutionTimeout)
	}
}

func TestNew_UnknownGrantKind(t *testing.T) {
	c := validComponent("cart")
	c.Grants = append(c.Grants, CapabilityGrant{Kind: "filesystem"})
	_, err := New(Config{Name: "shop", Components: []LockedComponent{c}})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestNew_DigestMismatch(t *testing.T) {
	c := validComponent("cart")
	c.Source.Digest = strings.Repeat("ab", 32)
	_, err := New(Config{Name: "shop", Components: []LockedComponent{c}})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestNew_BadHTTPMatch(t *testing.T) {
	for _, match := range []string{"GET", "/nope", "GET nope", " /x", "FETCH /x", "YANK /y"} {
		_, err := New(Config{
			Name:       "shop",
			Components: []LockedComponent{validComponent("cart")},
			Triggers:   []TriggerConfig{{Type: TriggerHTTP, ComponentID: "cart", Match: match}},
		})
		if !errors.IsKind(err, errors.KindValidation) {
			t.Errorf("match %q: err = %v, want validation", match, err)
		}
	}
}

func TestNew_HTTPMethodCaseInsensitive(t *testing.T) {
	_, err := New(Config{
		Name:       "shop",
		Components: []LockedComponent{validComponent("cart")},
		Triggers:   []TriggerConfig{{Type: TriggerHTTP, ComponentID: "cart", Match: "get /cart"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestNew_DuplicateHTTPRoute(t *testing.T) {
	_, err := New(Config{
		Name:       "shop",
		Components: []LockedComponent{validComponent("cart"), validComponent("checkout")},
		Triggers: []TriggerConfig{
			{Type: TriggerHTTP, ComponentID: "cart", Match: "GET /same"},
			{Type: TriggerHTTP, ComponentID: "checkout", Match: "get /same"},
		},
	})
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if !strings.Contains(err.Error(), "/same") {
		t.Errorf("error %q does not name the duplicated route", err)
	}
}

func TestLockedApp_Immutable(t *testing.T) {
	comps := []LockedComponent{validComponent("cart")}
	trigs := []TriggerConfig{{Type: TriggerHTTP, ComponentID: "cart", Match: "GET /"}}
	a, err := New(Config{Name: "shop", Components: comps, Triggers: trigs})
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's slices after construction must not leak in.
	comps[0].ID = "hacked"
	trigs[0].ComponentID = "hacked"

	if _, ok := a.Component("cart"); !ok {
		t.Error("construction aliased the caller's component slice")
	}
	if a.Triggers()[0].ComponentID != "cart" {
		t.Error("construction aliased the caller's trigger slice")
	}

	// Mutating returned slices must not affect the app.
	a.Components()[0].ID = "hacked"
	if _, ok := a.Component("cart"); !ok {
		t.Error("accessor returned an aliased slice")
	}
}

func TestHandlerExport(t *testing.T) {
	c := validComponent("cart")
	if got := c.HandlerExport(); got != DefaultExport {
		t.Errorf("HandlerExport = %q, want %q", got, DefaultExport)
	}
	c.Export = "serve"
	if got := c.HandlerExport(); got != "serve" {
		t.Errorf("HandlerExport = %q, want serve", got)
	}
}

func TestGranted(t *testing.T) {
	c := validComponent("cart")
	c.Grants = []CapabilityGrant{{Kind: GrantKeyValue, Stores: []string{"default"}}}

	if g, ok := c.Granted(GrantKeyValue); !ok || g.Stores[0] != "default" {
		t.Errorf("Granted(key-value) = %+v, %v", g, ok)
	}
	if _, ok := c.Granted(GrantOutboundNetwork); ok {
		t.Error("unexpected outbound grant")
	}
}
