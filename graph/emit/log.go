package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer, either as human-readable key=value
// lines or as one JSON object per line.
//
// Text output:
//
//	[node_complete] run=run-001 seq=3 node=summarize
//
// JSON output:
//
//	{"run_id":"run-001","seq":3,"node":"summarize","msg":"node_complete"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter. Write failures are swallowed; logging must never
// take down a run.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintln(l.writer, string(data))
		return
	}

	line := fmt.Sprintf("[%s] run=%s seq=%d", event.Msg, event.RunID, event.Seq)
	if event.Node != "" {
		line += " node=" + event.Node
	}
	for k, v := range event.Meta {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	_, _ = fmt.Fprintln(l.writer, line)
}
