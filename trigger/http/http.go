// Package httptrigger serves HTTP requests into component handlers.
//
// Routes come from the application's http trigger configs. Literal
// routes are registered ahead of pattern routes so "/hello" always wins
// over "/{name}"; among distinct patterns the router's most-specific
// match decides, and identical method+pattern routes are rejected at
// application load, so every request has exactly one deterministic
// handler. A request that matches no route is answered 404 without
// touching any component.
package httptrigger

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/trigger"
)

// maxBodyBytes caps a single request body read into guest memory.
const maxBodyBytes = 32 << 20

// invoker runs one event against a component. *trigger.Invoker
// satisfies it.
type invoker interface {
	Invoke(ctx context.Context, c app.LockedComponent, tc app.TriggerConfig, payload []byte) engine.Result
}

// limiter bounds concurrent invocations. *trigger.Limiter satisfies it.
type limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Config controls the HTTP dispatcher.
type Config struct {
	// Addr is the listen address, e.g. ":8080". Required.
	Addr string

	// Limiter bounds concurrent invocations across all routes. Nil
	// means unlimited.
	Limiter *Limits

	Logger *zap.Logger
}

// Limits is the dispatcher's backpressure configuration.
type Limits struct {
	MaxInflight int
	QueueDepth  int
}

// Dispatcher is the HTTP trigger dispatcher. It owns one listener and
// one router for the application's http triggers.
type Dispatcher struct {
	addr    string
	logger  *zap.Logger
	invoker invoker
	limiter limiter
	routes  []route

	server     *http.Server
	listener   net.Listener
	cancelBase context.CancelFunc
	healthy    atomic.Bool
}

type route struct {
	method    string
	pattern   string
	component app.LockedComponent
	trigger   app.TriggerConfig
}

// requestEnvelope is the JSON payload handed to the guest for each
// request. Body is base64 in the wire form, by encoding/json's []byte
// rule.
type requestEnvelope struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// responseEnvelope is the JSON shape a guest may return. A payload that
// does not parse as one is served verbatim as a 200 body.
type responseEnvelope struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// New builds the dispatcher from the application's http triggers. It
// does not listen until Start.
func New(cfg Config, application *app.LockedApp, inv invoker) (*Dispatcher, error) {
	if cfg.Addr == "" {
		return nil, errors.Validation("http dispatcher needs a listen address")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		addr:    cfg.Addr,
		logger:  logger,
		invoker: inv,
	}
	if cfg.Limiter != nil {
		d.limiter = trigger.NewLimiter(cfg.Limiter.MaxInflight, cfg.Limiter.QueueDepth)
	}

	for _, tc := range application.TriggersByType(app.TriggerHTTP) {
		method, pattern, ok := strings.Cut(tc.Match, " ")
		if !ok {
			return nil, errors.Validation("http trigger match %q is not METHOD /path", tc.Match)
		}
		c, ok := application.Component(tc.ComponentID)
		if !ok {
			return nil, errors.Validation("http trigger %q names unknown component %q", tc.Match, tc.ComponentID)
		}
		d.routes = append(d.routes, route{
			method:    strings.ToUpper(method),
			pattern:   pattern,
			component: c,
			trigger:   tc,
		})
	}

	// Literal routes before pattern routes; SliceStable keeps the lock
	// file order within each class. Identical method+pattern pairs
	// cannot occur, the application validator rejects them.
	sort.SliceStable(d.routes, func(i, j int) bool {
		return !isPattern(d.routes[i].pattern) && isPattern(d.routes[j].pattern)
	})
	return d, nil
}

func isPattern(p string) bool {
	return strings.ContainsAny(p, "{*")
}

func (d *Dispatcher) Type() app.TriggerType { return app.TriggerHTTP }

// Addr reports the bound listen address. Valid after Start; useful when
// the configured address picked an ephemeral port.
func (d *Dispatcher) Addr() string {
	if d.listener == nil {
		return d.addr
	}
	return d.listener.Addr().String()
}

// Start binds the listener and begins serving. The bind happens
// synchronously so a bad address fails Start instead of a background
// goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	router := chi.NewRouter()
	for _, rt := range d.routes {
		rt := rt
		router.Method(rt.method, rt.pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d.serve(w, r, rt)
		}))
	}
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no route", http.StatusNotFound)
	})

	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return errors.Wrap(errors.PhaseDispatch, errors.KindInternal, err,
			"listen on %s", d.addr)
	}
	d.listener = ln
	// Request contexts derive from baseCtx so a forced stop can cancel
	// in-flight invocations instead of abandoning them.
	baseCtx, cancel := context.WithCancel(context.Background())
	d.cancelBase = cancel
	d.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.healthy.Store(false)
			d.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	d.healthy.Store(true)
	d.logger.Info("http dispatcher listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("routes", len(d.routes)))
	return nil
}

// Stop shuts the server down, letting in-flight requests finish until
// ctx expires. Requests still running at that point have their contexts
// cancelled so invocations end as cancelled rather than hanging.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.healthy.Store(false)
	if d.server == nil {
		return nil
	}
	if err := d.server.Shutdown(ctx); err != nil {
		d.cancelBase()
		d.server.Close()
		return errors.Wrap(errors.PhaseShutdown, errors.KindInternal, err, "http shutdown")
	}
	d.cancelBase()
	return nil
}

func (d *Dispatcher) Healthy() bool { return d.healthy.Load() }

func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request, rt route) {
	if d.limiter != nil {
		if err := d.limiter.Acquire(r.Context()); err != nil {
			if errors.IsKind(err, errors.KindBusy) {
				http.Error(w, "too many requests in flight", http.StatusServiceUnavailable)
			} else {
				http.Error(w, "request cancelled", statusClientClosedRequest)
			}
			return
		}
		defer d.limiter.Release()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(requestEnvelope{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header,
		Body:    body,
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	result := d.invoker.Invoke(r.Context(), rt.component, rt.trigger, payload)
	if !result.OK() {
		d.logger.Warn("invocation failed",
			zap.String("component", rt.component.ID),
			zap.String("route", rt.trigger.Match),
			zap.String("outcome", string(result.Outcome)),
			zap.Error(result.Err))
		// Internal detail stays in the log, not the response.
		switch result.Outcome {
		case engine.OutcomeTimeout:
			http.Error(w, "handler timed out", http.StatusGatewayTimeout)
		case engine.OutcomeCancelled:
			http.Error(w, "request cancelled", statusClientClosedRequest)
		default:
			http.Error(w, "handler failed", http.StatusInternalServerError)
		}
		return
	}

	writeGuestResponse(w, result.Payload)
}

// statusClientClosedRequest mirrors nginx's code for a client that went
// away mid-request.
const statusClientClosedRequest = 499

// writeGuestResponse serves the guest payload. A payload that parses as
// a response envelope with a sane status is honored; anything else is
// the raw body of a 200.
func writeGuestResponse(w http.ResponseWriter, payload []byte) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Status >= 100 && env.Status < 600 {
		for k, v := range env.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(env.Status)
		w.Write(env.Body)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
