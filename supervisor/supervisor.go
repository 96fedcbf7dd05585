// Package supervisor owns the host lifecycle: precompile every
// component, validate capability wiring, start the trigger dispatchers,
// and drain them again on shutdown. Startup failures are fatal; once
// Running, per-invocation failures never take the host down.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/capability"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/trigger"
)

// State is a lifecycle phase of the host.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// DefaultDrainGrace bounds how long a shutdown waits for in-flight
// invocations before forcing them down.
const DefaultDrainGrace = 10 * time.Second

// Option configures the supervisor.
type Option func(*Supervisor)

// WithDispatchers registers the trigger dispatchers to run. They start
// in the given order and stop in reverse.
func WithDispatchers(ds ...trigger.Dispatcher) Option {
	return func(s *Supervisor) { s.dispatchers = append(s.dispatchers, ds...) }
}

// WithBinder sets the capability binder validated before startup.
func WithBinder(b *capability.Binder) Option {
	return func(s *Supervisor) { s.binder = b }
}

// WithDrainGrace overrides the shutdown drain window.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.drainGrace = d
		}
	}
}

// WithLogger sets the supervisor logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor drives one application through its lifecycle.
type Supervisor struct {
	app         *app.LockedApp
	engine      *engine.Engine
	binder      *capability.Binder
	dispatchers []trigger.Dispatcher
	drainGrace  time.Duration
	logger      *zap.Logger

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a supervisor for the application. Run does the actual
// startup work.
func New(application *app.LockedApp, eng *engine.Engine, opts ...Option) *Supervisor {
	s := &Supervisor{
		app:        application,
		engine:     eng,
		drainGrace: DefaultDrainGrace,
		logger:     zap.NewNop(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current lifecycle phase.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Ready reports whether the host reached Running and has not begun
// draining.
func (s *Supervisor) Ready() bool { return s.State() == StateRunning }

// Healthy reports whether the host is Running and every dispatcher is
// serving.
func (s *Supervisor) Healthy() bool {
	if s.State() != StateRunning {
		return false
	}
	for _, d := range s.dispatchers {
		if !d.Healthy() {
			return false
		}
	}
	return true
}

// Run starts the host and blocks until ctx ends or Shutdown is called,
// then drains and stops everything. Any startup failure aborts before
// Running and is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.state.Store(int32(StateStopped))

	if err := s.startup(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.drainGrace)
		if cerr := s.engine.Close(closeCtx); cerr != nil {
			s.logger.Warn("engine close after failed startup", zap.Error(cerr))
		}
		cancel()
		return err
	}

	s.state.Store(int32(StateRunning))
	s.logger.Info("host running",
		zap.String("app", s.app.Name()),
		zap.Int("components", len(s.app.Components())),
		zap.Int("dispatchers", len(s.dispatchers)))

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	return s.drain()
}

func (s *Supervisor) startup(ctx context.Context) error {
	for _, c := range s.app.Components() {
		if _, err := s.engine.Precompile(ctx, c); err != nil {
			return errors.WithComponent(err, c.ID)
		}
		s.logger.Debug("component precompiled",
			zap.String("component", c.ID),
			zap.String("digest", c.Source.Digest))
	}

	if s.binder != nil {
		if err := s.binder.Validate(); err != nil {
			return err
		}
	}

	var started []trigger.Dispatcher
	for _, d := range s.dispatchers {
		if err := d.Start(ctx); err != nil {
			// Unwind the dispatchers that already came up.
			stopCtx, cancel := context.WithTimeout(context.Background(), s.drainGrace)
			for i := len(started) - 1; i >= 0; i-- {
				if serr := started[i].Stop(stopCtx); serr != nil {
					s.logger.Warn("dispatcher stop during unwind",
						zap.String("type", string(started[i].Type())), zap.Error(serr))
				}
			}
			cancel()
			return errors.Wrap(errors.PhaseDispatch, errors.KindInternal, err,
				"start %s dispatcher", d.Type())
		}
		started = append(started, d)
		s.logger.Info("dispatcher started", zap.String("type", string(d.Type())))
	}
	return nil
}

func (s *Supervisor) drain() error {
	s.state.Store(int32(StateDraining))
	s.logger.Info("draining", zap.Duration("grace", s.drainGrace))

	ctx, cancel := context.WithTimeout(context.Background(), s.drainGrace)
	defer cancel()

	var firstErr error
	for i := len(s.dispatchers) - 1; i >= 0; i-- {
		d := s.dispatchers[i]
		if err := d.Stop(ctx); err != nil {
			s.logger.Warn("dispatcher stop",
				zap.String("type", string(d.Type())), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.engine.Close(ctx); err != nil {
		s.logger.Warn("engine close", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("host stopped")
	return firstErr
}

// Shutdown requests a drain and waits for Run to finish, or for ctx to
// end, whichever comes first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.PhaseShutdown, errors.KindTimeout, ctx.Err(),
			"waiting for host to stop")
	}
}
