package httptrigger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/engine"
)

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []call
	result func(payload []byte) engine.Result
	block  chan struct{}
}

type call struct {
	componentID string
	match       string
	payload     []byte
}

func (f *fakeInvoker) Invoke(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig, payload []byte) engine.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call{componentID: c.ID, match: tc.Match, payload: payload})
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.result != nil {
		return f.result(payload)
	}
	return engine.Result{Outcome: engine.OutcomeOK, Payload: payload}
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) lastCall(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no invocations recorded")
	}
	return f.calls[len(f.calls)-1]
}

func testApp(t *testing.T, triggers ...app.TriggerConfig) *app.LockedApp {
	t.Helper()
	components := map[string]bool{}
	var specs []app.LockedComponent
	for _, tc := range triggers {
		if components[tc.ComponentID] {
			continue
		}
		components[tc.ComponentID] = true
		specs = append(specs, app.LockedComponent{
			ID:     tc.ComponentID,
			Source: app.NewBinarySource([]byte("\x00asm" + tc.ComponentID)),
		})
	}
	a, err := app.New(app.Config{
		Name:       "web",
		Components: specs,
		Triggers:   triggers,
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func startDispatcher(t *testing.T, a *app.LockedApp, inv invoker, limits *Limits) *Dispatcher {
	t.Helper()
	d, err := New(Config{Addr: "127.0.0.1:0", Limiter: limits}, a, inv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestDispatch_LiteralRouteBeatsPattern(t *testing.T) {
	inv := &fakeInvoker{}
	a := testApp(t,
		app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "catchall", Match: "GET /{name}"},
		app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "greeter", Match: "GET /hello"},
	)
	d := startDispatcher(t, a, inv, nil)

	resp, _ := get(t, "http://"+d.Addr()+"/hello")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if c := inv.lastCall(t); c.componentID != "greeter" {
		t.Fatalf("routed to %q, want greeter", c.componentID)
	}

	resp, _ = get(t, "http://"+d.Addr()+"/bob")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if c := inv.lastCall(t); c.componentID != "catchall" {
		t.Fatalf("routed to %q, want catchall", c.componentID)
	}
}

func TestStart_RegistersEveryValidatedMethod(t *testing.T) {
	// Any method spelling the application validator accepts must
	// register without panicking the router, including lower case.
	inv := &fakeInvoker{}
	a := testApp(t,
		app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "greeter", Match: "get /hello"},
		app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "remover", Match: "DELETE /hello"},
	)
	d := startDispatcher(t, a, inv, nil)

	resp, _ := get(t, "http://"+d.Addr()+"/hello")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if c := inv.lastCall(t); c.componentID != "greeter" {
		t.Fatalf("routed to %q, want greeter", c.componentID)
	}
}

func TestDispatch_MissSkipsComponents(t *testing.T) {
	inv := &fakeInvoker{}
	a := testApp(t, app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "greeter", Match: "GET /hello"})
	d := startDispatcher(t, a, inv, nil)

	resp, _ := get(t, "http://"+d.Addr()+"/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if n := inv.callCount(); n != 0 {
		t.Fatalf("miss reached a component, %d invocations", n)
	}
}

func TestDispatch_RequestEnvelope(t *testing.T) {
	inv := &fakeInvoker{}
	a := testApp(t, app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "echo", Match: "POST /in"})
	d := startDispatcher(t, a, inv, nil)

	resp, err := http.Post("http://"+d.Addr()+"/in?x=1", "text/plain", bytes.NewReader([]byte("hi")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var env requestEnvelope
	if err := json.Unmarshal(inv.lastCall(t).payload, &env); err != nil {
		t.Fatalf("payload is not a request envelope: %v", err)
	}
	if env.Method != http.MethodPost || env.Path != "/in" {
		t.Fatalf("envelope = %s %s", env.Method, env.Path)
	}
	if got := env.Query["x"]; len(got) != 1 || got[0] != "1" {
		t.Fatalf("query = %v", env.Query)
	}
	if string(env.Body) != "hi" {
		t.Fatalf("body = %q", env.Body)
	}
}

func TestDispatch_ResponseEnvelope(t *testing.T) {
	inv := &fakeInvoker{
		result: func([]byte) engine.Result {
			out, _ := json.Marshal(responseEnvelope{
				Status:  http.StatusCreated,
				Headers: map[string]string{"X-Kind": "made"},
				Body:    []byte("done"),
			})
			return engine.Result{Outcome: engine.OutcomeOK, Payload: out}
		},
	}
	a := testApp(t, app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "maker", Match: "GET /make"})
	d := startDispatcher(t, a, inv, nil)

	resp, body := get(t, "http://"+d.Addr()+"/make")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Kind") != "made" {
		t.Fatalf("X-Kind = %q", resp.Header.Get("X-Kind"))
	}
	if string(body) != "done" {
		t.Fatalf("body = %q", body)
	}
}

func TestDispatch_RawPayloadFallsBackTo200(t *testing.T) {
	inv := &fakeInvoker{
		result: func([]byte) engine.Result {
			return engine.Result{Outcome: engine.OutcomeOK, Payload: []byte("plain text")}
		},
	}
	a := testApp(t, app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "plain", Match: "GET /raw"})
	d := startDispatcher(t, a, inv, nil)

	resp, body := get(t, "http://"+d.Addr()+"/raw")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "plain text" {
		t.Fatalf("body = %q", body)
	}
}

func TestDispatch_FailureStatusMapping(t *testing.T) {
	cases := []struct {
		outcome engine.Outcome
		status  int
	}{
		{engine.OutcomeTimeout, http.StatusGatewayTimeout},
		{engine.OutcomeFaulted, http.StatusInternalServerError},
		{engine.OutcomeResourceExhausted, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.outcome), func(t *testing.T) {
			inv := &fakeInvoker{
				result: func([]byte) engine.Result {
					return engine.Result{Outcome: tc.outcome}
				},
			}
			a := testApp(t, app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "bad", Match: "GET /bad"})
			d := startDispatcher(t, a, inv, nil)

			resp, body := get(t, "http://"+d.Addr()+"/bad")
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if bytes.Contains(body, []byte("wasm")) {
				t.Fatalf("response leaked internal detail: %q", body)
			}
		})
	}
}

func TestDispatch_BusyRejection(t *testing.T) {
	inv := &fakeInvoker{block: make(chan struct{})}
	a := testApp(t, app.TriggerConfig{Type: app.TriggerHTTP, ComponentID: "slow", Match: "GET /slow"})
	d := startDispatcher(t, a, inv, &Limits{MaxInflight: 1, QueueDepth: 0})

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Get("http://" + d.Addr() + "/slow")
		if err == nil {
			resp.Body.Close()
		}
	}()

	deadline := time.After(2 * time.Second)
	for inv.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first request never reached the invoker")
		case <-time.After(time.Millisecond):
		}
	}

	resp, _ := get(t, "http://"+d.Addr()+"/slow")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	close(inv.block)
	<-done
}
