package api

import (
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes a generation as server-sent events: one
// "generation.created", a "generation.token" per emitted token, then either
// "generation.completed" or "generation.failed".
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	id      string
	seq     int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
		seq:     1,
	}, nil
}

func (s *SSEStreamWriter) Begin(id string) error {
	s.id = id
	return s.emit(streamEvent{Type: "generation.created", ID: id})
}

func (s *SSEStreamWriter) EmitToken(token int) error {
	return s.emit(streamEvent{Type: "generation.token", ID: s.id, Token: &token})
}

func (s *SSEStreamWriter) Complete(resp *GenerateResponse) error {
	return s.emit(streamEvent{Type: "generation.completed", ID: s.id, Response: resp})
}

func (s *SSEStreamWriter) Failed(errType string, err error) error {
	return s.emit(streamEvent{
		Type:  "generation.failed",
		ID:    s.id,
		Error: &ResponseError{Message: err.Error(), Type: errType},
	})
}

func (s *SSEStreamWriter) emit(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	if err := s.send(ev); err != nil {
		return err
	}
	s.flush()
	s.seq++
	return nil
}

func (s *SSEStreamWriter) send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", string(b))
	return err
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}

// tokenQueue hands streamed tokens from the engine loop to the SSE writer.
// push never blocks; ready is signalled whenever tokens are waiting.
type tokenQueue struct {
	mu    sync.Mutex
	buf   []int
	ready chan struct{}
}

func newTokenQueue() *tokenQueue {
	return &tokenQueue{ready: make(chan struct{}, 1)}
}

func (q *tokenQueue) push(tok int) {
	q.mu.Lock()
	q.buf = append(q.buf, tok)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take moves every waiting token into dst.
func (q *tokenQueue) take(dst []int) []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dst = append(dst[:0], q.buf...)
	q.buf = q.buf[:0]
	return dst
}
