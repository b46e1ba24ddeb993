package httpserver

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EchoPBX/echostream/pkg/sdk"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type frame struct {
	typ  int
	data []byte
}

// Conn is an upgraded WebSocket. It implements sdk.Socket.
type Conn struct {
	id     string
	remote string
	data   any

	srv *Server
	ws  *websocket.Conn
	log *zap.Logger

	// send is never closed; the writer exits on closed instead, so a late
	// Send cannot panic.
	send      chan frame
	queued    atomic.Int64
	pressured atomic.Bool

	closing   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

var _ sdk.Socket = (*Conn)(nil)

func newConn(s *Server, ws *websocket.Conn, data any) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		remote: ws.RemoteAddr().String(),
		data:   data,
		srv:    s,
		ws:     ws,
		log:    s.log.With(zap.String("conn", id)),
		send:   make(chan frame, s.cfg.SendQueue),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remote }
func (c *Conn) Data() any          { return c.data }

// Send queues msg. It returns the number of bytes queued, sdk.SendBackpressure
// when the queue is above the backpressure limit, or sdk.SendDropped.
func (c *Conn) Send(msg []byte, binary bool) int {
	select {
	case <-c.closed:
		return sdk.SendDropped
	default:
	}
	if c.closing.Load() {
		return sdk.SendDropped
	}

	typ := websocket.TextMessage
	if binary {
		typ = websocket.BinaryMessage
	}

	// account before enqueueing so the writer never sees a frame it has
	// not been charged for
	n := c.queued.Add(int64(len(msg)))
	limit := c.srv.cfg.BackpressureLimit
	over := limit > 0 && n > int64(limit)
	if over {
		c.pressured.Store(true)
	}

	select {
	case c.send <- frame{typ: typ, data: msg}:
	default:
		c.queued.Add(-int64(len(msg)))
		c.log.Debug("send queue full, dropping message")
		return sdk.SendDropped
	}

	if over {
		return sdk.SendBackpressure
	}
	return len(msg)
}

func (c *Conn) Ping(data []byte) error {
	return c.ws.WriteControl(websocket.PingMessage, data, time.Now().Add(writeWait))
}

// Close starts the closing handshake. The connection is torn down when the
// peer answers, or after a grace period.
func (c *Conn) Close(code int, reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.ws.SetReadDeadline(time.Now().Add(closeGrace))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) extendDeadline() {
	if c.closing.Load() || c.srv.cfg.IdleTimeout <= 0 {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *Conn) run() {
	hooks := c.srv.cfg.Hooks

	go c.writeLoop()
	hooks.Open(c)

	if c.srv.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.srv.cfg.MaxMessageSize)
	}
	c.extendDeadline()
	c.ws.SetPingHandler(func(data string) error {
		c.extendDeadline()
		hooks.Ping(c, []byte(data))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var ne net.Error
		if err == nil || errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})
	c.ws.SetPongHandler(func(data string) error {
		c.extendDeadline()
		hooks.Pong(c, []byte(data))
		return nil
	})

	var err error
	for {
		var (
			typ int
			msg []byte
		)
		typ, msg, err = c.ws.ReadMessage()
		if err != nil {
			break
		}
		c.extendDeadline()
		hooks.Message(c, msg, typ == websocket.BinaryMessage)
	}

	code, reason := closeInfo(err)
	c.log.Debug("ws closed", zap.Int("code", code), zap.String("reason", reason))
	c.shutdown()
	c.srv.untrack(c)
	hooks.Close(c, code, reason)
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

func (c *Conn) writeLoop() {
	var ping <-chan time.Time
	if d := c.srv.cfg.PingInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.typ, f.data); err != nil {
				c.log.Debug("ws write error", zap.Error(err))
				c.shutdown()
				return
			}
			n := c.queued.Add(-int64(len(f.data)))
			if n <= int64(c.srv.cfg.BackpressureLimit) && c.pressured.CompareAndSwap(true, false) {
				c.srv.cfg.Hooks.Drain(c)
			}
		case <-ping:
			if err := c.Ping(nil); err != nil {
				c.log.Debug("ws ping error", zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}
