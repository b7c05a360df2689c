package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	model "github.com/mivox/chatstream/internal/model/realtime"
)

var errFakeWrite = errors.New("fake write failure")

// fakeSink records every frame written to it and can be told to fail.
type fakeSink struct {
	mu      sync.Mutex
	writes  [][]byte
	failing bool
	closed  bool
	onClose func()
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (s *fakeSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errFakeWrite
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	s.writes = append(s.writes, buf)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *fakeSink) fail() {
	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// fireClose simulates the transport reporting its own closure.
func (s *fakeSink) fireClose() {
	s.mu.Lock()
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// envelopes parses the recorded push frames ("id: ...\ndata: ...\n\n").
func (s *fakeSink) envelopes(t *testing.T) []model.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	envs := make([]model.Envelope, 0, len(s.writes))
	for _, frame := range s.writes {
		idx := bytes.Index(frame, []byte("\ndata: "))
		if idx < 0 {
			t.Fatalf("frame missing data line: %q", frame)
		}
		body := bytes.TrimSuffix(frame[idx+len("\ndata: "):], []byte("\n\n"))
		var env model.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.Fatalf("failed to decode envelope %q: %v", body, err)
		}
		envs = append(envs, env)
	}
	return envs
}

// serverMessages parses the recorded socket frames.
func (s *fakeSink) serverMessages(t *testing.T) []model.ServerMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]model.ServerMessage, 0, len(s.writes))
	for _, frame := range s.writes {
		var msg model.ServerMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("failed to decode server message %q: %v", frame, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// messageTypes lists the socket event types seen so far, in order.
func (s *fakeSink) messageTypes(t *testing.T) []string {
	t.Helper()
	msgs := s.serverMessages(t)
	types := make([]string, len(msgs))
	for i, m := range msgs {
		types[i] = m.Type
	}
	return types
}

func hasMessageType(types []string, want string) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}
