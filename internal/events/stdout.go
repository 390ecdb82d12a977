package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tombee/arazzo/internal/store"
)

// StdoutSink writes events to a writer as text lines or JSON lines.
type StdoutSink struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

// NewStdoutSink creates a sink writing to out; jsonFormat selects JSON
// lines over human-readable text.
func NewStdoutSink(out io.Writer, jsonFormat bool) *StdoutSink {
	return &StdoutSink{out: out, json: jsonFormat}
}

func (s *StdoutSink) Deliver(_ context.Context, ev *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.json {
		return json.NewEncoder(s.out).Encode(map[string]any{
			"id":      ev.ID,
			"runId":   ev.RunID.String(),
			"ts":      ev.TS,
			"type":    ev.Type,
			"payload": ev.Payload,
		})
	}

	step := ""
	if v, ok := ev.Payload["stepId"].(string); ok {
		step = " step=" + v
	}
	_, err := fmt.Fprintf(s.out, "%s  %s%s\n", ev.TS.Format("15:04:05.000"), ev.Type, step)
	return err
}
