package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/EchoPBX/echostream/internal/config"
	"github.com/EchoPBX/echostream/internal/jwt"
	"github.com/EchoPBX/echostream/pkg/sdk"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrUpgraded is the cause of a fetch context that ended because the
	// request was switched to a WebSocket.
	ErrUpgraded = errors.New("request upgraded to websocket")
	// ErrNoResponse is reported when Fetch returns neither a response nor
	// an error for a request that was not upgraded.
	ErrNoResponse = errors.New("fetch returned no response")
	// ErrServeFailed wraps the error that stopped a server from accepting
	// connections after it was bound.
	ErrServeFailed = errors.New("serve failed")
)

const (
	writeWait       = 10 * time.Second
	closeGrace      = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr    string
	TLSCert string
	TLSKey  string

	AllowedOrigins []string
	AllowedMethods []string
	// Auth guards every fetch when it has keys.
	Auth *jwt.Validator

	MaxMessageSize    int64
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	SendQueue         int
	BackpressureLimit int

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	Hooks sdk.Hooks
	Log   *zap.Logger
}

// FromConfig maps the file configuration onto a runtime Config. Hooks,
// Metrics and Log are left for the caller.
func FromConfig(cfg *config.Config) (Config, error) {
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return Config{}, fmt.Errorf("jwt: %w", err)
	}
	c := Config{
		Addr:              cfg.Addr(),
		AllowedOrigins:    cfg.HTTP.CORS.AllowedOrigins,
		AllowedMethods:    cfg.HTTP.CORS.AllowedMethods,
		Auth:              v,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		IdleTimeout:       cfg.WebSocket.IdleTimeout,
		PingInterval:      cfg.WebSocket.PingInterval,
		SendQueue:         cfg.WebSocket.SendQueue,
		BackpressureLimit: cfg.WebSocket.BackpressureLimit,
		MetricsPath:       cfg.Metrics.Path,
	}
	if cfg.HTTP.TLS.Enabled {
		c.TLSCert, c.TLSKey = cfg.HTTP.TLS.Cert, cfg.HTTP.TLS.Key
	}
	return c, nil
}

// Server is one running instance of the network runtime.
type Server struct {
	cfg  Config
	log  *zap.Logger
	r    *chi.Mux
	http *http.Server
	ln   net.Listener
	up   websocket.Upgrader

	pending sync.Map // *http.Request -> *pendingRequest

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

type pendingRequest struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	cancel   context.CancelCauseFunc
	upgraded bool
	finished bool
	// conn is started once Fetch returns, so its open event follows the
	// request event on the bus
	conn *Conn
}

// Serve binds cfg.Addr and serves in the background. Serve errors after the
// bind are reported through Hooks.Error.
func Serve(cfg Config) (*Server, error) {
	if cfg.Hooks == nil {
		return nil, errors.New("httpserver: hooks are required")
	}
	s := New(cfg)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}
	s.ln = ln
	s.http = &http.Server{Handler: s.r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve", zap.Error(err))
			s.cfg.Hooks.Error(fmt.Errorf("%w: %w", ErrServeFailed, err))
		}
	}()
	s.log.Info("listening", zap.String("addr", s.Addr()), zap.Bool("tls", cfg.TLSCert != ""))
	return s, nil
}

// New builds the router without binding. Serve is the usual entry point;
// New alone is useful with httptest.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: cfg.AllowedMethods,
	}))
	s := &Server{
		cfg:   cfg,
		log:   cfg.Log,
		r:     r,
		up:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns: make(map[*Conn]struct{}),
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

// Addr returns the bound address, or the configured one before binding.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.cfg.Metrics != nil && s.cfg.MetricsPath != "" {
		s.r.Handle(s.cfg.MetricsPath, s.cfg.Metrics)
	}

	s.r.HandleFunc("/*", s.auth(s.fetch))
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	r = r.WithContext(ctx)

	p := &pendingRequest{w: w, cancel: cancel}
	s.pending.Store(r, p)
	defer s.pending.Delete(r)

	resp, err := s.cfg.Hooks.Fetch(r, s)

	p.mu.Lock()
	if p.upgraded {
		c := p.conn
		p.mu.Unlock()
		if c != nil {
			go c.run()
		}
		return
	}
	p.finished = true
	p.mu.Unlock()

	switch {
	case err != nil:
		if r.Context().Err() != nil && errors.Is(err, context.Canceled) {
			s.log.Debug("client went away", zap.String("path", r.URL.Path))
			return
		}
		s.cfg.Hooks.Error(fmt.Errorf("fetch %s %s: %w", r.Method, r.URL.Path, err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	case resp == nil:
		s.cfg.Hooks.Error(fmt.Errorf("fetch %s %s: %w", r.Method, r.URL.Path, ErrNoResponse))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	default:
		writeResponse(w, resp)
	}
}

func writeResponse(w http.ResponseWriter, resp *sdk.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.Auth.Enabled() {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tok := jwt.FromHeader(r.Header.Get("Authorization"))
		if tok == "" {
			// browsers cannot set headers on a WebSocket handshake
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := s.cfg.Auth.Verify(tok); err != nil {
			s.log.Debug("rejected token", zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Upgrade switches a pending request to a WebSocket. The request's fetch
// context is cancelled with ErrUpgraded, whatever the outcome, because a
// failed handshake has already written its error response. The connection
// starts reading, and reports Open, only after Fetch has returned.
func (s *Server) Upgrade(r *http.Request, data any) bool {
	v, ok := s.pending.Load(r)
	if !ok {
		return false
	}
	p := v.(*pendingRequest)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upgraded || p.finished {
		return false
	}
	p.upgraded = true
	defer p.cancel(ErrUpgraded)

	ws, err := s.up.Upgrade(p.w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		s.cfg.Hooks.Error(fmt.Errorf("upgrade: %w", err))
		return false
	}

	c := newConn(s, ws, data)
	s.track(c)
	p.conn = c
	return true
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Conns returns the open WebSocket connections.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Stop stops accepting connections. With closeActive false, in-flight HTTP
// requests get a grace period and open WebSockets are left alone; with true,
// everything is closed immediately and WebSockets receive 1001.
func (s *Server) Stop(closeActive bool) error {
	if s.http == nil {
		return nil
	}
	var err error
	if closeActive {
		for _, c := range s.Conns() {
			if cerr := c.Close(websocket.CloseGoingAway, "server shutting down"); cerr != nil {
				s.log.Debug("ws close", zap.String("conn", c.ID()), zap.Error(cerr))
			}
			c.shutdown()
		}
		err = multierr.Append(err, s.http.Close())
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, s.http.Shutdown(ctx))
	}
	if err != nil {
		return fmt.Errorf("stop %s: %w", s.Addr(), err)
	}
	s.log.Info("stopped", zap.String("addr", s.Addr()), zap.Bool("close_active", closeActive))
	return nil
}
