package sdk

import "net/http"

// Send results besides the positive number of bytes queued.
const (
	// SendDropped means the message was not queued: the socket is closed or
	// its queue is full.
	SendDropped = 0
	// SendBackpressure means the message was queued but the socket is over
	// its backpressure limit. A DrainEvent follows once it flushes.
	SendBackpressure = -1
)

// Socket is an upgraded WebSocket connection.
type Socket interface {
	ID() string
	RemoteAddr() string
	// Data returns the value passed to Server.Upgrade.
	Data() any
	Send(msg []byte, binary bool) int
	Ping(data []byte) error
	Close(code int, reason string) error
}

// Server is the handle of a running network runtime.
type Server interface {
	Addr() string
	// Upgrade takes over a request that is still pending and switches it to
	// a WebSocket. It reports false when the handshake fails or the request
	// is not pending on this server.
	Upgrade(r *http.Request, data any) bool
	Stop(closeActive bool) error
}

// SendValue encodes v with the codec in opts and sends it as a text frame.
func SendValue(s Socket, opts Options, v any) (int, error) {
	b, err := opts.Encode(v)
	if err != nil {
		return SendDropped, err
	}
	return s.Send(b, false), nil
}

// Hooks are the callback slots a network runtime invokes. The adapter
// implements them by pushing events onto its bus.
type Hooks interface {
	// Fetch handles one HTTP request and blocks until it has a response.
	// The request context ends when the client goes away or the request is
	// upgraded.
	Fetch(r *http.Request, srv Server) (*Response, error)
	Open(s Socket)
	Message(s Socket, msg []byte, binary bool)
	Close(s Socket, code int, reason string)
	Drain(s Socket)
	Ping(s Socket, data []byte)
	Pong(s Socket, data []byte)
	Error(err error)
}
