package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// CapturedLog is one record captured by a CaptureHandler.
type CapturedLog struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// CaptureHandler records every log record it handles so tests can assert
// on the service's log vocabulary ("license issued", "event is a replay")
// instead of scraping output streams.
type CaptureHandler struct {
	mu      sync.Mutex
	t       *testing.T
	records []CapturedLog
}

func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	h.records = append(h.records, CapturedLog{Level: r.Level, Message: r.Message, Attrs: attrs})
	h.mu.Unlock()

	if h.t != nil {
		h.t.Logf("[%s] %s %v", r.Level, r.Message, attrs)
	}
	return nil
}

func (h *CaptureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *CaptureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *CaptureHandler) WithGroup(string) slog.Handler { return h }

// Records returns a copy of everything captured so far.
func (h *CaptureHandler) Records() []CapturedLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]CapturedLog, len(h.records))
	copy(out, h.records)
	return out
}

// Contains reports whether any captured message contains the substring.
func (h *CaptureHandler) Contains(message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if strings.Contains(r.Message, message) {
			return true
		}
	}
	return false
}

// NewTestLogger returns a logger recording into the returned handler.
// Records are echoed through t.Logf so failing tests show the log trail.
func NewTestLogger(t *testing.T) (*slog.Logger, *CaptureHandler) {
	handler := &CaptureHandler{t: t}
	return slog.New(handler), handler
}

// AssertLogged fails the test when no captured message contains the
// substring.
func AssertLogged(t *testing.T, handler *CaptureHandler, message string) {
	t.Helper()
	if handler.Contains(message) {
		return
	}
	t.Errorf("expected log message containing %q, captured:", message)
	for _, r := range handler.Records() {
		t.Errorf("  [%s] %s", r.Level, r.Message)
	}
}
