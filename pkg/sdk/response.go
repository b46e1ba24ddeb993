package sdk

import (
	"net/http"
	"sync"
)

// Response is what a listener hands back for a RequestEvent.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Text builds a plain text response.
func Text(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

// Encoded builds a response whose body is v encoded with the codec in opts.
func Encoded(opts Options, status int, v any) (*Response, error) {
	b, err := opts.Encode(v)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/"+opts.codec().Name())
	return &Response{Status: status, Header: h, Body: b}, nil
}

// Responder is a single-use completion handle for one pending request. The
// first Respond wins; later calls are ignored. Nothing enforces that it is
// ever called: an unanswered request stays open until the client gives up.
type Responder struct {
	once sync.Once
	done chan struct{}
	resp *Response
}

func NewResponder() *Responder {
	return &Responder{done: make(chan struct{})}
}

// Respond completes the request and reports whether this call did so.
func (r *Responder) Respond(resp *Response) bool {
	ok := false
	r.once.Do(func() {
		r.resp = resp
		ok = true
		close(r.done)
	})
	return ok
}

// Done is closed once Respond has been called.
func (r *Responder) Done() <-chan struct{} { return r.done }

// Response returns the fulfilled response, or nil before Done.
func (r *Responder) Response() *Response {
	select {
	case <-r.done:
		return r.resp
	default:
		return nil
	}
}
