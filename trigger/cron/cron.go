// Package crontrigger fires component handlers on cron schedules. Each
// cron trigger config carries a standard five-field cron expression in
// its match rule; a bad expression fails dispatcher construction so the
// supervisor refuses to come up on it.
package crontrigger

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/trigger"
)

type invoker interface {
	Invoke(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig, payload []byte) engine.Result
}

// Config controls the cron dispatcher.
type Config struct {
	// Limiter bounds concurrent invocations. Nil means unlimited; a
	// schedule that fires while the limit is saturated skips that tick.
	Limiter *Limits

	Logger *zap.Logger
}

// Limits is the dispatcher's backpressure configuration.
type Limits struct {
	MaxInflight int
	QueueDepth  int
}

// tickEnvelope is the JSON payload handed to the guest on each firing.
type tickEnvelope struct {
	Schedule string    `json:"schedule"`
	FiredAt  time.Time `json:"fired_at"`
}

// Dispatcher is the cron trigger dispatcher.
type Dispatcher struct {
	cron    *cron.Cron
	invoker invoker
	limiter *trigger.Limiter
	logger  *zap.Logger
	entries int

	cancel  context.CancelFunc
	healthy atomic.Bool
}

// New builds the dispatcher and validates every schedule expression.
func New(cfg Config, application *app.LockedApp, inv invoker) (*Dispatcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cron:    cron.New(),
		invoker: inv,
		logger:  logger,
	}
	if cfg.Limiter != nil {
		d.limiter = trigger.NewLimiter(cfg.Limiter.MaxInflight, cfg.Limiter.QueueDepth)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	for _, tc := range application.TriggersByType(app.TriggerCron) {
		c, ok := application.Component(tc.ComponentID)
		if !ok {
			cancel()
			return nil, errors.Validation("cron trigger %q names unknown component %q", tc.Match, tc.ComponentID)
		}
		tc, c := tc, c
		if _, err := d.cron.AddFunc(tc.Match, func() {
			d.fire(runCtx, c, tc)
		}); err != nil {
			cancel()
			return nil, errors.Validation("cron trigger for component %q: bad schedule %q: %v",
				tc.ComponentID, tc.Match, err)
		}
		d.entries++
	}
	return d, nil
}

func (d *Dispatcher) Type() app.TriggerType { return app.TriggerCron }

// Start begins the schedule clock.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.cron.Start()
	d.healthy.Store(true)
	if d.entries > 0 {
		d.logger.Info("cron dispatcher started", zap.Int("schedules", d.entries))
	}
	return nil
}

func (d *Dispatcher) fire(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig) {
	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx); err != nil {
			d.logger.Warn("tick skipped",
				zap.String("component", c.ID),
				zap.String("schedule", tc.Match),
				zap.Error(err))
			return
		}
		defer d.limiter.Release()
	}

	payload, err := json.Marshal(tickEnvelope{Schedule: tc.Match, FiredAt: time.Now().UTC()})
	if err != nil {
		d.logger.Error("tick envelope", zap.Error(err))
		return
	}
	result := d.invoker.Invoke(ctx, c, tc, payload)
	if !result.OK() {
		d.logger.Warn("invocation failed",
			zap.String("component", c.ID),
			zap.String("schedule", tc.Match),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(result.Err))
	}
}

// Stop halts the clock and waits for running jobs until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.healthy.Store(false)
	stopCtx := d.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		d.cancel()
		return errors.Wrap(errors.PhaseShutdown, errors.KindTimeout, ctx.Err(),
			"cron dispatcher drain")
	}
	d.cancel()
	return nil
}

func (d *Dispatcher) Healthy() bool { return d.healthy.Load() }
