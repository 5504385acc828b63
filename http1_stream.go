package httpconn

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// StreamState is the per-stream state machine summarized in:
// Pending -> Active -> (Done | Errored).
type StreamState int

const (
	StreamPending StreamState = iota + 1
	StreamActive
	StreamDone
	StreamErrored
)

func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case StreamActive:
		return "active"
	case StreamDone:
		return "done"
	case StreamErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Stream is one HTTP request/response exchange. A Stream is either outgoing
// (a client-submitted request) or incoming (a server-received request,
// whose response is supplied by the handler via Respond). On an
// Http1Connection, both kinds share the connection's ordered stream list so
// the outgoing-stream task can serialize them strictly in pipeline order.
// On an Http2Connection, a Stream wraps the http.ResponseWriter handed to
// it by golang.org/x/net/http2's own multiplexing, since HTTP/2 stream
// interleaving is left to that library rather than reimplemented here.
type Stream struct {
	id         uint32
	isOutgoing bool

	mu       sync.Mutex
	state    StreamState
	request  *http.Request
	response *http.Response
	err      error

	ready chan struct{}

	// h1 is set for streams that belong to an Http1Connection's pipeline.
	h1 *Http1Connection

	// rw and h2done are set for streams delivered by an Http2Connection's
	// underlying golang.org/x/net/http2.Server handler.
	rw     http.ResponseWriter
	h2done chan struct{}
}

// ID returns the stream's allocated ID.
func (s *Stream) ID() uint32 { return s.id }

// State returns the stream's current state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Request returns the stream's request: the incoming request for a
// server-received stream, or the request being sent for a client-submitted
// one.
func (s *Stream) Request() *http.Request { return s.request }

// Respond supplies resp as this stream's response. Valid only for
// server-received streams, and only once per stream.
//
// On an Http1Connection, the response is not necessarily written
// immediately: it is serialized by the connection's outgoing-stream task in
// pipeline order, after every earlier stream's response has been written.
// On an Http2Connection, it is written to the underlying
// http.ResponseWriter immediately, since HTTP/2 has no head-of-line
// ordering requirement across streams.
func (s *Stream) Respond(resp *http.Response) error {
	if s.isOutgoing {
		return NewError(CodeInvalidState, "Stream.Respond")
	}

	s.mu.Lock()
	if s.state != StreamPending {
		s.mu.Unlock()
		return NewError(CodeInvalidState, "Stream.Respond")
	}
	s.response = resp
	s.state = StreamActive
	s.mu.Unlock()

	if s.rw != nil {
		return s.respondHTTP2(resp)
	}
	s.h1.notifyResponseReady(s)
	return nil
}

func (s *Stream) respondHTTP2(resp *http.Response) error {
	defer close(s.h2done)

	h := s.rw.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	s.rw.WriteHeader(resp.StatusCode)

	var err error
	if resp.Body != nil {
		_, err = io.Copy(s.rw, resp.Body)
		_ = resp.Body.Close()
	}
	s.finish(err)
	return err
}

// Wait blocks until a client-submitted stream completes (successfully or
// not), returning its response. It is a convenience built on top of the
// asynchronous connection manager core; it never blocks the connection's
// event-loop goroutine.
func (s *Stream) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.response, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) isReadyToWrite() bool {
	if s.isOutgoing {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response != nil
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if err != nil {
		s.state = StreamErrored
		s.err = err
	} else {
		s.state = StreamDone
	}
	s.mu.Unlock()
	close(s.ready)
}
