package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ytdeliver/internal/media"
)

// sink is the only writer of a response. Whichever producer is selected
// (extractor pipe, transcoder or file) gets the sink, never the raw writer.
type sink struct {
	w       http.ResponseWriter
	kind    media.Kind
	status  int
	written int64
}

func newSink(w http.ResponseWriter, kind media.Kind) *sink {
	return &sink{w: w, kind: kind}
}

func (s *sink) Header() http.Header { return s.w.Header() }

func (s *sink) WriteHeader(code int) {
	if s.status != 0 {
		return
	}
	s.status = code
	s.w.WriteHeader(code)
}

// Write commits the media headers on the first byte.
func (s *sink) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.mediaHeaders()
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

// committed reports whether a status line has gone out.
func (s *sink) committed() bool { return s.status != 0 }

func (s *sink) mediaHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", s.kind.ContentType())
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.kind.Filename()))
	h.Set("X-Content-Type-Options", "nosniff")
}

// fail sends an error body if nothing has been committed yet and reports
// whether it did.
func (s *sink) fail(status int, msg string) bool {
	if s.committed() {
		return false
	}
	s.w.Header().Del("Content-Disposition")
	WriteError(s, status, msg)
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

// WriteError sends {"error": msg} with status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// ctxReader stops a copy as soon as the request context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
