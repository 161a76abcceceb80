// Package audit appends access events to a JSONL log. Writes are best
// effort: a failed append is logged and swallowed, never surfaced to the
// read path that triggered it.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type event struct {
	Timestamp    string `json:"timestamp"`
	TraceID      string `json:"trace_id"`
	AgentID      string `json:"agent_id"`
	AccessLevel  string `json:"access_level"`
	Scope        string `json:"scope"`
	Returned     int    `json:"returned"`
	Available    int    `json:"available"`
	FallbackFrom string `json:"fallback_from,omitempty"`
}

// Sink is an append-only access log under <home>/logs/access.jsonl.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

func NewSink(homeDir string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "access.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{file: f, logger: logger}, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// AccessEvent describes one scoped read.
type AccessEvent struct {
	TraceID      string
	AgentID      string
	AccessLevel  string
	Scope        string
	Returned     int
	Available    int
	FallbackFrom string
}

// Record appends one event. A nil sink and any write failure are both
// no-ops for the caller.
func (s *Sink) Record(ev AccessEvent) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}

	b, err := json.Marshal(event{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:      ev.TraceID,
		AgentID:      ev.AgentID,
		AccessLevel:  ev.AccessLevel,
		Scope:        ev.Scope,
		Returned:     ev.Returned,
		Available:    ev.Available,
		FallbackFrom: ev.FallbackFrom,
	})
	if err != nil {
		s.logger.Warn("marshal access event failed", "error", err)
		return
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		s.logger.Warn("append access event failed", "error", err)
	}
}
