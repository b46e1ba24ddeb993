package httpserver_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EchoPBX/echostream/internal/config"
	"github.com/EchoPBX/echostream/internal/httpserver"
	"github.com/EchoPBX/echostream/internal/jwt"
	"github.com/EchoPBX/echostream/pkg/sdk"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type closeInfo struct {
	code   int
	reason string
}

// fakeHooks records every callback. fetch decides the HTTP outcome.
type fakeHooks struct {
	fetch func(r *http.Request, srv sdk.Server) (*sdk.Response, error)

	opened   chan sdk.Socket
	messages chan string
	closed   chan closeInfo
	drained  chan sdk.Socket
	pings    chan string
	pongs    chan string

	mu   sync.Mutex
	errs []error
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		opened:   make(chan sdk.Socket, 8),
		messages: make(chan string, 8),
		closed:   make(chan closeInfo, 8),
		drained:  make(chan sdk.Socket, 8),
		pings:    make(chan string, 8),
		pongs:    make(chan string, 8),
	}
}

func (h *fakeHooks) Fetch(r *http.Request, srv sdk.Server) (*sdk.Response, error) {
	return h.fetch(r, srv)
}
func (h *fakeHooks) Open(s sdk.Socket)                           { h.opened <- s }
func (h *fakeHooks) Message(s sdk.Socket, msg []byte, _ bool)    { h.messages <- string(msg) }
func (h *fakeHooks) Close(s sdk.Socket, code int, reason string) { h.closed <- closeInfo{code, reason} }
func (h *fakeHooks) Drain(s sdk.Socket)                          { h.drained <- s }
func (h *fakeHooks) Ping(s sdk.Socket, data []byte)              { h.pings <- string(data) }
func (h *fakeHooks) Pong(s sdk.Socket, data []byte)              { h.pongs <- string(data) }
func (h *fakeHooks) Error(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *fakeHooks) errList() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

// upgradeAll switches every request to a WebSocket, the way a listener
// would, and waits for the runtime to take it over.
func upgradeAll(r *http.Request, srv sdk.Server) (*sdk.Response, error) {
	if !srv.Upgrade(r, "payload") {
		return nil, errors.New("upgrade refused")
	}
	<-r.Context().Done()
	return nil, context.Cause(r.Context())
}

func start(t *testing.T, hooks *fakeHooks, mutate ...func(*httpserver.Config)) *httpserver.Server {
	t.Helper()
	cfg := httpserver.Config{
		Addr:              "127.0.0.1:0",
		AllowedOrigins:    []string{"*"},
		AllowedMethods:    []string{"GET", "POST"},
		IdleTimeout:       time.Minute,
		SendQueue:         16,
		BackpressureLimit: 1 << 20,
		Hooks:             hooks,
		Log:               zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := httpserver.Serve(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(true) })
	return srv
}

func dial(t *testing.T, srv *httpserver.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/socket", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hook")
	}
	var zero T
	return zero
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestServer_Healthz(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = func(*http.Request, sdk.Server) (*sdk.Response, error) {
		t.Error("healthz must not reach fetch")
		return nil, nil
	}
	srv := start(t, hooks)

	resp, body := get(t, "http://"+srv.Addr()+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}

func TestServer_FetchResponse(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = func(r *http.Request, srv sdk.Server) (*sdk.Response, error) {
		resp := sdk.Text(http.StatusAccepted, "hello "+r.URL.Path)
		resp.Header.Set("X-Served-By", "echostream")
		return resp, nil
	}
	srv := start(t, hooks)

	resp, body := get(t, "http://"+srv.Addr()+"/v1/things")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "hello /v1/things", body)
	assert.Equal(t, "echostream", resp.Header.Get("X-Served-By"))
	assert.Empty(t, hooks.errList())
}

func TestServer_FetchFailures(t *testing.T) {
	boom := errors.New("boom")
	hooks := newFakeHooks()
	hooks.fetch = func(r *http.Request, srv sdk.Server) (*sdk.Response, error) {
		if r.URL.Path == "/fail" {
			return nil, boom
		}
		return nil, nil
	}
	srv := start(t, hooks)

	resp, _ := get(t, "http://"+srv.Addr()+"/fail")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = get(t, "http://"+srv.Addr()+"/empty")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	errs := hooks.errList()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)
	assert.ErrorIs(t, errs[1], httpserver.ErrNoResponse)
}

func TestServer_UpgradeUnknownRequest(t *testing.T) {
	srv := httpserver.New(httpserver.Config{Hooks: newFakeHooks()})
	r, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	assert.False(t, srv.Upgrade(r, nil))
}

func TestServer_WebSocketLifecycle(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = upgradeAll
	srv := start(t, hooks)

	ws := dial(t, srv)
	sock := recv(t, hooks.opened)
	assert.Equal(t, "payload", sock.Data())
	assert.NotEmpty(t, sock.ID())
	assert.NotEmpty(t, sock.RemoteAddr())
	assert.Len(t, srv.Conns(), 1)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hi")))
	assert.Equal(t, "hi", recv(t, hooks.messages))

	assert.Equal(t, 5, sock.Send([]byte("hello"), false))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	require.NoError(t, ws.WriteControl(websocket.PingMessage, []byte("p1"), time.Now().Add(time.Second)))
	assert.Equal(t, "p1", recv(t, hooks.pings))

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "bye")))
	info := recv(t, hooks.closed)
	assert.Equal(t, 4000, info.code)
	assert.Equal(t, "bye", info.reason)

	assert.Eventually(t, func() bool { return len(srv.Conns()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sdk.SendDropped, sock.Send([]byte("late"), false))
}

func TestServer_ServerPingAndPong(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = upgradeAll
	srv := start(t, hooks)

	ws := dial(t, srv)
	sock := recv(t, hooks.opened)

	// the client answers pings while it reads
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, sock.Ping([]byte("are you there")))
	assert.Equal(t, "are you there", recv(t, hooks.pongs))
}

func TestServer_Backpressure(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = upgradeAll
	srv := start(t, hooks, func(c *httpserver.Config) { c.BackpressureLimit = 4 })

	ws := dial(t, srv)
	sock := recv(t, hooks.opened)

	assert.Equal(t, sdk.SendBackpressure, sock.Send([]byte("0123456789"), true))

	typ, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, "0123456789", string(msg))

	assert.Same(t, sock, recv(t, hooks.drained))
}

func TestServer_ServerInitiatedClose(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = upgradeAll
	srv := start(t, hooks)

	ws := dial(t, srv)
	sock := recv(t, hooks.opened)

	require.NoError(t, sock.Close(websocket.ClosePolicyViolation, "nope"))

	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "nope", ce.Text)

	recv(t, hooks.closed)
}

func TestServer_StopCloseActive(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = upgradeAll
	srv := start(t, hooks)

	ws := dial(t, srv)
	recv(t, hooks.opened)

	require.NoError(t, srv.Stop(true))

	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)

	_, err = http.Get("http://" + srv.Addr() + "/healthz")
	assert.Error(t, err)
}

func TestServer_StopGraceful(t *testing.T) {
	hooks := newFakeHooks()
	hooks.fetch = func(*http.Request, sdk.Server) (*sdk.Response, error) {
		return sdk.Text(http.StatusOK, "ok"), nil
	}
	srv := start(t, hooks)

	require.NoError(t, srv.Stop(false))
	_, err := http.Get("http://" + srv.Addr() + "/")
	assert.Error(t, err)
}

func TestServer_Metrics(t *testing.T) {
	hooks := newFakeHooks()
	srv := start(t, hooks, func(c *httpserver.Config) {
		c.MetricsPath = "/metrics"
		c.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "echostream_up 1\n")
		})
	})

	_, body := get(t, "http://"+srv.Addr()+"/metrics")
	assert.True(t, strings.HasPrefix(body, "echostream_up"))
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 9999
	cfg.HTTP.TLS.Enabled = true
	cfg.HTTP.TLS.Cert = "/tmp/cert.pem"
	cfg.HTTP.TLS.Key = "/tmp/key.pem"

	c, err := httpserver.FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", c.Addr)
	assert.Equal(t, "/tmp/cert.pem", c.TLSCert)
	assert.Equal(t, cfg.WebSocket.BackpressureLimit, c.BackpressureLimit)
	assert.False(t, c.Auth.Enabled())

	cfg.Auth.JWTPublicKeys = []string{"/nonexistent.pem"}
	_, err = httpserver.FromConfig(cfg)
	assert.Error(t, err)
}

func TestServer_AuthRejectsMissingToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gw.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := jwt.NewValidator([]string{path}, "", "")
	require.NoError(t, err)

	hooks := newFakeHooks()
	hooks.fetch = func(*http.Request, sdk.Server) (*sdk.Response, error) {
		t.Error("unauthenticated request reached fetch")
		return sdk.Text(http.StatusOK, "ok"), nil
	}
	srv := start(t, hooks, func(c *httpserver.Config) { c.Auth = v })

	resp, _ := get(t, "http://"+srv.Addr()+"/private")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, "http://"+srv.Addr()+"/private", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := get(t, "http://"+srv.Addr()+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "healthz stays open")
	assert.Equal(t, "ok", body)
}
