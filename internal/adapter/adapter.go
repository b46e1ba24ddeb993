// Package adapter binds the network runtime to the shared event bus. Every
// runtime callback becomes an sdk.Event pushed onto one bus; the Responder on
// a RequestEvent is how a listener hands the response back.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/EchoPBX/echostream/internal/config"
	"github.com/EchoPBX/echostream/internal/httpserver"
	"github.com/EchoPBX/echostream/internal/metrics"
	"github.com/EchoPBX/echostream/pkg/events"
	"github.com/EchoPBX/echostream/pkg/sdk"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ServeFunc starts a runtime that calls back into cfg.Hooks.
type ServeFunc func(cfg httpserver.Config) (sdk.Server, error)

type Option func(*Adapter)

// WithServe replaces the runtime. Tests use it to run without sockets.
func WithServe(fn ServeFunc) Option {
	return func(a *Adapter) { a.serve = fn }
}

// WithMetrics counts pushes, listeners, panics, connections and pending
// responses into m, and mounts its handler on the runtime when
// metrics.enabled is set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

type Adapter struct {
	cfg     *config.Config
	log     *zap.Logger
	bus     *sdk.Bus
	opts    sdk.Options
	serve   ServeFunc
	metrics *metrics.Metrics

	mu      sync.Mutex
	servers []sdk.Server
}

var _ sdk.Hooks = (*Adapter)(nil)

// New builds the adapter and its bus. Listeners may attach before Start.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	codec, err := sdk.CodecByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}

	a := &Adapter{
		cfg:   cfg,
		log:   log,
		bus:   events.New[sdk.Event](events.WithLogger(log.Named("bus"))),
		opts:  sdk.Options{Addr: cfg.Addr(), Codec: codec},
		serve: serveHTTP,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics != nil {
		a.observe()
	}
	return a, nil
}

func serveHTTP(cfg httpserver.Config) (sdk.Server, error) {
	s, err := httpserver.Serve(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// observe mirrors the bus's auxiliary streams into metrics. These listeners
// live on the auxiliary buses, so they never count themselves. Concurrent
// registrations can deliver change reports out of order, so the gauge is set
// from Len under a lock rather than from the reported count.
func (a *Adapter) observe() {
	ctx := context.Background()
	var mu sync.Mutex
	refresh := func(events.ListenerChange) {
		mu.Lock()
		defer mu.Unlock()
		a.metrics.Listeners.Set(float64(a.bus.Len()))
	}
	a.bus.ListenerAdded().Listen(ctx, refresh)
	a.bus.ListenerRemoved().Listen(ctx, refresh)
	a.bus.Failures().Listen(ctx, func(error) {
		a.metrics.ListenerPanics.Inc()
	})
}

// Bus is the shared bus every event is pushed onto.
func (a *Adapter) Bus() *sdk.Bus { return a.bus }

// Options is the snapshot attached to every event.
func (a *Adapter) Options() sdk.Options { return a.opts }

// Start launches a runtime bound to this adapter's bus. Calling it again
// starts another independent runtime on the same bus; nothing guards against
// that, and two runtimes on one port fail to bind.
func (a *Adapter) Start() (sdk.Server, error) {
	c, err := httpserver.FromConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	c.Hooks = a
	c.Log = a.log.Named("runtime")
	if a.metrics != nil && a.cfg.Metrics.Enabled {
		c.Metrics = a.metrics.Handler()
	}

	srv, err := a.serve(c)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	a.mu.Lock()
	a.servers = append(a.servers, srv)
	a.mu.Unlock()
	return srv, nil
}

// Stop stops every runtime started so far. Bus listeners stay attached; a
// later Start delivers to them again.
func (a *Adapter) Stop(closeActive bool) error {
	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()

	var err error
	for _, s := range servers {
		err = multierr.Append(err, s.Stop(closeActive))
	}
	return err
}

func (a *Adapter) push(ev sdk.Event) {
	if a.metrics != nil {
		a.metrics.Events.WithLabelValues(string(ev.Kind())).Inc()
	}
	a.bus.Push(ev)
}

// Fetch pushes a RequestEvent and blocks until a listener responds or the
// request context ends. The context ends with httpserver.ErrUpgraded when a
// listener took the request over, and with context.Canceled when the client
// went away. An unanswered request waits for one of those.
func (a *Adapter) Fetch(r *http.Request, srv sdk.Server) (*sdk.Response, error) {
	responder := sdk.NewResponder()
	if a.metrics != nil {
		a.metrics.PendingResponses.Inc()
		defer a.metrics.PendingResponses.Dec()
	}

	a.push(sdk.NewRequestEvent(a.opts, r, srv, responder))

	select {
	case <-responder.Done():
		return responder.Response(), nil
	case <-r.Context().Done():
		return nil, context.Cause(r.Context())
	}
}

func (a *Adapter) Open(s sdk.Socket) {
	if a.metrics != nil {
		a.metrics.Connections.Inc()
	}
	a.push(sdk.NewOpenEvent(a.opts, s))
}

func (a *Adapter) Message(s sdk.Socket, msg []byte, binary bool) {
	a.push(sdk.NewMessageEvent(a.opts, s, msg, binary))
}

func (a *Adapter) Close(s sdk.Socket, code int, reason string) {
	if a.metrics != nil {
		a.metrics.Connections.Dec()
	}
	a.push(sdk.NewCloseEvent(a.opts, s, code, reason))
}

func (a *Adapter) Drain(s sdk.Socket) {
	a.push(sdk.NewDrainEvent(a.opts, s))
}

func (a *Adapter) Ping(s sdk.Socket, data []byte) {
	a.push(sdk.NewPingEvent(a.opts, s, data))
}

func (a *Adapter) Pong(s sdk.Socket, data []byte) {
	a.push(sdk.NewPongEvent(a.opts, s, data))
}

func (a *Adapter) Error(err error) {
	a.log.Debug("runtime error", zap.Error(err))
	a.push(sdk.NewErrorEvent(a.opts, err))
}
