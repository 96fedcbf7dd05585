package crontrigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
)

type recordingInvoker struct {
	mu    sync.Mutex
	calls [][]byte
}

func (r *recordingInvoker) Invoke(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig, payload []byte) engine.Result {
	r.mu.Lock()
	r.calls = append(r.calls, payload)
	r.mu.Unlock()
	return engine.Result{Outcome: engine.OutcomeOK}
}

func (r *recordingInvoker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testApp(t *testing.T, match string) *app.LockedApp {
	t.Helper()
	a, err := app.New(app.Config{
		Name: "clock",
		Components: []app.LockedComponent{{
			ID:     "tick",
			Source: app.NewBinarySource([]byte("\x00asm tick")),
		}},
		Triggers: []app.TriggerConfig{{
			Type:        app.TriggerCron,
			ComponentID: "tick",
			Match:       match,
		}},
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	inv := &recordingInvoker{}
	_, err := New(Config{}, testApp(t, "not a schedule"), inv)
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestDispatch_ScheduleFires(t *testing.T) {
	inv := &recordingInvoker{}
	d, err := New(Config{}, testApp(t, "@every 10ms"), inv)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for inv.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("schedule never fired")
		case <-time.After(time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	inv.mu.Lock()
	payload := inv.calls[0]
	inv.mu.Unlock()

	var env tickEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("payload is not a tick envelope: %v", err)
	}
	if env.Schedule != "@every 10ms" {
		t.Fatalf("schedule = %q", env.Schedule)
	}
	if env.FiredAt.IsZero() {
		t.Fatal("fired_at is zero")
	}
}

func TestDispatch_SaturatedLimiterSkipsTick(t *testing.T) {
	inv := &recordingInvoker{}
	d, err := New(Config{Limiter: &Limits{MaxInflight: 1, QueueDepth: 0}}, testApp(t, "@every 1h"), inv)
	if err != nil {
		t.Fatal(err)
	}

	// Hold the only slot, then fire a tick by hand. It must be skipped,
	// not queued.
	if err := d.limiter.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	c, _ := testApp(t, "@every 1h").Component("tick")
	d.fire(context.Background(), c, app.TriggerConfig{
		Type: app.TriggerCron, ComponentID: "tick", Match: "@every 1h",
	})
	if inv.count() != 0 {
		t.Fatalf("saturated tick invoked the component %d times", inv.count())
	}
	d.limiter.Release()
}
