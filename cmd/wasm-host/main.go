// Command wasm-host runs a locked application: it loads the lock file,
// precompiles every component, and serves the application's triggers
// until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/capability"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/lockfile"
	"github.com/wippyai/wasm-host/observe"
	"github.com/wippyai/wasm-host/supervisor"
	"github.com/wippyai/wasm-host/trigger"
	crontrigger "github.com/wippyai/wasm-host/trigger/cron"
	httptrigger "github.com/wippyai/wasm-host/trigger/http"
	redistrigger "github.com/wippyai/wasm-host/trigger/redis"
)

type config struct {
	LockFile    string        `env:"WASM_HOST_LOCKFILE" envDefault:"app.lock.yaml"`
	ListenAddr  string        `env:"WASM_HOST_LISTEN" envDefault:":8080"`
	AdminAddr   string        `env:"WASM_HOST_ADMIN" envDefault:":9090"`
	LogLevel    string        `env:"WASM_HOST_LOG_LEVEL" envDefault:"info"`
	DrainGrace  time.Duration `env:"WASM_HOST_DRAIN_GRACE" envDefault:"10s"`
	RedisURL    string        `env:"WASM_HOST_REDIS_URL"`
	EventsSink  string        `env:"WASM_HOST_EVENTS_SINK"`
	MaxInflight int           `env:"WASM_HOST_MAX_INFLIGHT" envDefault:"128"`
	QueueDepth  int           `env:"WASM_HOST_QUEUE_DEPTH" envDefault:"256"`
	// VarPrefix scopes which process environment variables back
	// application variables, e.g. APP_VAR_greeting.
	VarPrefix string `env:"WASM_HOST_VAR_PREFIX" envDefault:"APP_VAR_"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wasm-host:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	flag.StringVar(&cfg.LockFile, "lockfile", cfg.LockFile, "application lock file path")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "http trigger listen address")
	flag.StringVar(&cfg.AdminAddr, "admin", cfg.AdminAddr, "health endpoint listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.DurationVar(&cfg.DrainGrace, "drain-grace", cfg.DrainGrace, "shutdown drain window")
	flag.Parse()

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	engine.SetLogger(logger.Named("engine"))

	application, err := lockfile.Load(cfg.LockFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx)
	if err != nil {
		return err
	}

	binder, err := buildBinder(cfg, application, logger)
	if err != nil {
		return err
	}

	recorder, err := buildRecorder(cfg, application, logger)
	if err != nil {
		return err
	}

	invoker := trigger.NewInvoker(eng, binder, recorder, logger.Named("invoke"))
	dispatchers, err := buildDispatchers(ctx, cfg, application, invoker, logger)
	if err != nil {
		return err
	}

	sup := supervisor.New(application, eng,
		supervisor.WithDispatchers(dispatchers...),
		supervisor.WithBinder(binder),
		supervisor.WithDrainGrace(cfg.DrainGrace),
		supervisor.WithLogger(logger.Named("supervisor")))

	admin := startAdmin(cfg.AdminAddr, sup, logger)
	defer admin.Close()

	return sup.Run(ctx)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// buildBinder wires capability backends. Every store name any component
// is granted gets a backend: redis when a broker is configured, an
// in-process store otherwise.
func buildBinder(cfg config, application *app.LockedApp, logger *zap.Logger) (*capability.Binder, error) {
	opts := []capability.BinderOption{
		capability.WithVariables(capability.EnvVariables{Prefix: cfg.VarPrefix}),
		capability.WithGate(capability.AllowAllGate{}),
		capability.WithLogger(logger.Named("capability")),
	}

	for _, name := range grantedStores(application) {
		if cfg.RedisURL != "" {
			store, err := capability.NewRedisStore(cfg.RedisURL, name)
			if err != nil {
				return nil, fmt.Errorf("store %q: %w", name, err)
			}
			opts = append(opts, capability.WithStore(name, store))
		} else {
			opts = append(opts, capability.WithStore(name, capability.NewMemoryStore()))
		}
	}
	return capability.NewBinder(application, opts...), nil
}

func grantedStores(application *app.LockedApp) []string {
	seen := map[string]bool{}
	var names []string
	for _, c := range application.Components() {
		for _, g := range c.Grants {
			if g.Kind != app.GrantKeyValue {
				continue
			}
			for _, name := range g.Stores {
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	return names
}

func buildRecorder(cfg config, application *app.LockedApp, logger *zap.Logger) (observe.Recorder, error) {
	recorders := observe.MultiRecorder{observe.NewZapRecorder(logger.Named("invocations"))}
	if cfg.EventsSink != "" {
		client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(cfg.EventsSink))
		if err != nil {
			return nil, fmt.Errorf("events sink: %w", err)
		}
		source := "wasm-host/" + application.Name()
		recorders = append(recorders, observe.NewCloudEventsRecorder(client, source, logger))
	}
	return recorders, nil
}

func buildDispatchers(ctx context.Context, cfg config, application *app.LockedApp, invoker *trigger.Invoker, logger *zap.Logger) ([]trigger.Dispatcher, error) {
	var dispatchers []trigger.Dispatcher

	if len(application.TriggersByType(app.TriggerHTTP)) > 0 {
		d, err := httptrigger.New(httptrigger.Config{
			Addr:    cfg.ListenAddr,
			Limiter: &httptrigger.Limits{MaxInflight: cfg.MaxInflight, QueueDepth: cfg.QueueDepth},
			Logger:  logger.Named("http"),
		}, application, invoker)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, d)
	}

	if len(application.TriggersByType(app.TriggerRedis)) > 0 {
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("application has redis triggers but WASM_HOST_REDIS_URL is unset")
		}
		consumer, err := redistrigger.NewRedisConsumer(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		d, err := redistrigger.New(redistrigger.Config{
			Limiter: &redistrigger.Limits{MaxInflight: cfg.MaxInflight, QueueDepth: cfg.QueueDepth},
			Logger:  logger.Named("redis"),
		}, application, consumer, invoker)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, d)
	}

	if len(application.TriggersByType(app.TriggerCron)) > 0 {
		d, err := crontrigger.New(crontrigger.Config{
			Limiter: &crontrigger.Limits{MaxInflight: cfg.MaxInflight, QueueDepth: cfg.QueueDepth},
			Logger:  logger.Named("cron"),
		}, application, invoker)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, d)
	}

	return dispatchers, nil
}

// startAdmin serves liveness and readiness probes off the application
// port so a draining host can keep answering them.
func startAdmin(addr string, sup *supervisor.Supervisor, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if sup.Healthy() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if sup.Ready() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin server stopped", zap.Error(err))
		}
	}()
	return server
}
