package sdk

import "net/http"

// Kind discriminates Event variants.
type Kind string

const (
	KindRequest Kind = "http-request"
	KindOpen    Kind = "ws-open"
	KindMessage Kind = "ws-message"
	KindClose   Kind = "ws-close"
	KindDrain   Kind = "ws-drain"
	KindPing    Kind = "ws-ping"
	KindPong    Kind = "ws-pong"
	KindError   Kind = "error"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindRequest, KindOpen, KindMessage, KindClose, KindDrain, KindPing, KindPong, KindError}

// Event is one of RequestEvent, OpenEvent, MessageEvent, CloseEvent,
// DrainEvent, PingEvent, PongEvent or ErrorEvent. The set is closed; consumers
// switch on the concrete type.
type Event interface {
	Kind() Kind
	// Options is the configuration snapshot active when the event was built.
	Options() Options
	event()
}

type base struct{ opts Options }

func (b base) Options() Options { return b.opts }
func (base) event()             {}

// RequestEvent carries an HTTP request. Exactly one listener should call
// Respond, or upgrade the request through Server.
type RequestEvent struct {
	base
	Request   *http.Request
	Server    Server
	Responder *Responder
}

func (RequestEvent) Kind() Kind { return KindRequest }

// Respond fulfils the request. It reports whether this call was the one
// that completed it.
func (e RequestEvent) Respond(resp *Response) bool { return e.Responder.Respond(resp) }

// Upgrade switches the request to a WebSocket. data is attached to the
// resulting Socket.
func (e RequestEvent) Upgrade(data any) bool { return e.Server.Upgrade(e.Request, data) }

type OpenEvent struct {
	base
	Socket Socket
}

func (OpenEvent) Kind() Kind { return KindOpen }

type MessageEvent struct {
	base
	Socket  Socket
	Message []byte
	Binary  bool
}

func (MessageEvent) Kind() Kind { return KindMessage }

// Decode unmarshals the message with the configured codec.
func (e MessageEvent) Decode(v any) error { return e.opts.codec().Decode(e.Message, v) }

type CloseEvent struct {
	base
	Socket Socket
	Code   int
	Reason string
}

func (CloseEvent) Kind() Kind { return KindClose }

// DrainEvent reports that a backpressured socket flushed its send queue.
type DrainEvent struct {
	base
	Socket Socket
}

func (DrainEvent) Kind() Kind { return KindDrain }

type PingEvent struct {
	base
	Socket Socket
	Data   []byte
}

func (PingEvent) Kind() Kind { return KindPing }

type PongEvent struct {
	base
	Socket Socket
	Data   []byte
}

func (PongEvent) Kind() Kind { return KindPong }

// ErrorEvent carries an error raised by the network runtime.
type ErrorEvent struct {
	base
	Err error
}

func (ErrorEvent) Kind() Kind { return KindError }

func (e ErrorEvent) Error() string { return e.Err.Error() }
func (e ErrorEvent) Unwrap() error { return e.Err }

// NewRequestEvent and the constructors below attach opts to the variant.
func NewRequestEvent(opts Options, r *http.Request, srv Server, responder *Responder) RequestEvent {
	return RequestEvent{base: base{opts}, Request: r, Server: srv, Responder: responder}
}

func NewOpenEvent(opts Options, s Socket) OpenEvent {
	return OpenEvent{base: base{opts}, Socket: s}
}

func NewMessageEvent(opts Options, s Socket, msg []byte, binary bool) MessageEvent {
	return MessageEvent{base: base{opts}, Socket: s, Message: msg, Binary: binary}
}

func NewCloseEvent(opts Options, s Socket, code int, reason string) CloseEvent {
	return CloseEvent{base: base{opts}, Socket: s, Code: code, Reason: reason}
}

func NewDrainEvent(opts Options, s Socket) DrainEvent {
	return DrainEvent{base: base{opts}, Socket: s}
}

func NewPingEvent(opts Options, s Socket, data []byte) PingEvent {
	return PingEvent{base: base{opts}, Socket: s, Data: data}
}

func NewPongEvent(opts Options, s Socket, data []byte) PongEvent {
	return PongEvent{base: base{opts}, Socket: s, Data: data}
}

func NewErrorEvent(opts Options, err error) ErrorEvent {
	return ErrorEvent{base: base{opts}, Err: err}
}
