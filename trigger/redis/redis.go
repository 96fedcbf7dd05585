// Package redistrigger dispatches redis pub/sub messages into component
// handlers. Each redis trigger config names one channel; a message on a
// subscribed channel becomes one invocation per trigger bound to it,
// in lock file order.
package redistrigger

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/trigger"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Consumer is the slice of a message transport the dispatcher needs.
// RedisConsumer adapts a go-redis client to it; tests substitute an
// in-process fake.
type Consumer interface {
	// Consume subscribes to the channels and streams deliveries until
	// ctx ends. The returned channel closes when the subscription dies.
	Consume(ctx context.Context, channels ...string) (<-chan Message, error)
	Close() error
}

type invoker interface {
	Invoke(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig, payload []byte) engine.Result
}

// Config controls the redis dispatcher.
type Config struct {
	// Limiter bounds concurrent invocations. Nil means unlimited.
	Limiter *Limits

	Logger *zap.Logger
}

// Limits is the dispatcher's backpressure configuration.
type Limits struct {
	MaxInflight int
	QueueDepth  int
}

// messageEnvelope is the JSON payload handed to the guest for each
// delivery.
type messageEnvelope struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload,omitempty"`
}

type route struct {
	component app.LockedComponent
	trigger   app.TriggerConfig
}

// Dispatcher is the redis trigger dispatcher.
type Dispatcher struct {
	consumer Consumer
	invoker  invoker
	limiter  *trigger.Limiter
	logger   *zap.Logger

	channels []string
	routes   map[string][]route

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	healthy atomic.Bool
}

// New builds the dispatcher from the application's redis triggers.
func New(cfg Config, application *app.LockedApp, consumer Consumer, inv invoker) (*Dispatcher, error) {
	if consumer == nil {
		return nil, errors.Validation("redis dispatcher needs a consumer")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		consumer: consumer,
		invoker:  inv,
		logger:   logger,
		routes:   map[string][]route{},
	}
	if cfg.Limiter != nil {
		d.limiter = trigger.NewLimiter(cfg.Limiter.MaxInflight, cfg.Limiter.QueueDepth)
	}

	for _, tc := range application.TriggersByType(app.TriggerRedis) {
		c, ok := application.Component(tc.ComponentID)
		if !ok {
			return nil, errors.Validation("redis trigger %q names unknown component %q", tc.Match, tc.ComponentID)
		}
		if _, seen := d.routes[tc.Match]; !seen {
			d.channels = append(d.channels, tc.Match)
		}
		d.routes[tc.Match] = append(d.routes[tc.Match], route{component: c, trigger: tc})
	}
	return d, nil
}

func (d *Dispatcher) Type() app.TriggerType { return app.TriggerRedis }

// Start subscribes and begins pumping messages. The subscription is
// established synchronously so a dead broker fails Start.
func (d *Dispatcher) Start(ctx context.Context) error {
	if len(d.channels) == 0 {
		d.healthy.Store(true)
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	messages, err := d.consumer.Consume(runCtx, d.channels...)
	if err != nil {
		cancel()
		return errors.Wrap(errors.PhaseDispatch, errors.KindInternal, err,
			"subscribe to %d channels", len(d.channels))
	}
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pump(runCtx, messages)
	}()

	d.healthy.Store(true)
	d.logger.Info("redis dispatcher subscribed", zap.Strings("channels", d.channels))
	return nil
}

func (d *Dispatcher) pump(ctx context.Context, messages <-chan Message) {
	for msg := range messages {
		if d.limiter != nil {
			if err := d.limiter.Acquire(ctx); err != nil {
				d.logger.Warn("message dropped",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
		}

		msg := msg
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if d.limiter != nil {
				defer d.limiter.Release()
			}
			d.deliver(ctx, msg)
		}()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	payload, err := json.Marshal(messageEnvelope{Channel: msg.Channel, Payload: msg.Payload})
	if err != nil {
		d.logger.Error("message envelope", zap.Error(err))
		return
	}
	for _, rt := range d.routes[msg.Channel] {
		result := d.invoker.Invoke(ctx, rt.component, rt.trigger, payload)
		if !result.OK() {
			d.logger.Warn("invocation failed",
				zap.String("component", rt.component.ID),
				zap.String("channel", msg.Channel),
				zap.String("outcome", string(result.Outcome)),
				zap.Error(result.Err))
		}
	}
}

// Stop halts the subscription and waits for in-flight deliveries until
// ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.healthy.Store(false)
	if d.cancel != nil {
		d.cancel()
	}
	if err := d.consumer.Close(); err != nil {
		d.logger.Warn("consumer close", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.PhaseShutdown, errors.KindTimeout, ctx.Err(),
			"redis dispatcher drain")
	}
}

func (d *Dispatcher) Healthy() bool { return d.healthy.Load() }
