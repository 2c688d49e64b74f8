package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
)

const maxLineLength = 1 << 20

type request struct {
	ID json.RawMessage `json:"id,omitempty"`
	MethodCall
}

type response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result"`
}

type errorResponse struct {
	ID    json.RawMessage `json:"id,omitempty"`
	Error *Error          `json:"error"`
}

type eventMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Speaks the channel as newline-delimited JSON. Each input line is a call
// {"id":…,"method":…,"arguments":{…}}, answered by {"id":…,"result":…} or
// {"id":…,"error":{"code":…,"message":…}}. Events are interleaved as {"event":…,"data":…}.
type Server struct {
	handler *Handler
	logger  log.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

func NewServer(w io.Writer, h *Handler) *Server {
	return &Server{
		handler: h,
		logger:  h.Logger,
		enc:     json.NewEncoder(w),
	}
}

// Serves calls from r until it's exhausted or ctx is done.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h *Handler) error {
	return NewServer(w, h).Serve(ctx, r)
}

func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(nil, maxLineLength)
		for sc.Scan() {
			select {
			case lines <- bytes.Clone(sc.Bytes()):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case err := <-scanErr:
			return err
		case line := <-lines:
			err := s.handleLine(line)
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleLine(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var req request
	err := json.Unmarshal(line, &req)
	if err != nil {
		s.logger.Levelf(log.Debug, "malformed call %q: %v", line, err)
		return s.write(errorResponse{Error: &Error{Code: CodeInvalidArgument, Message: "malformed call"}})
	}
	result, err := s.handler.Handle(req.MethodCall)
	if err != nil {
		var chErr *Error
		if !errors.As(err, &chErr) {
			chErr = &Error{Code: "ERROR", Message: err.Error()}
		}
		return s.write(errorResponse{ID: req.ID, Error: chErr})
	}
	return s.write(response{ID: req.ID, Result: result})
}

// Writes an event line. Safe to call from any goroutine, including while Serve is running.
func (s *Server) SendEvent(event string, data any) error {
	return s.write(eventMessage{Event: event, Data: data})
}

func (s *Server) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(v)
}
