package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation counters through expvar. It is the
// process-local alternative to the Prometheus recorder and needs no scrape endpoint
// beyond /debug/vars.
type ExpvarMetricsRecorder struct {
	name string
	ops  *expvar.Map
}

// ExpvarOperationStats is the snapshot of one operation.
type ExpvarOperationStats struct {
	Success         int64   `json:"success"`
	Error           int64   `json:"error"`
	DurationMSTotal float64 `json:"duration_ms_total"`
}

// NewExpvarMetricsRecorder publishes a recorder under name. When name is empty a
// unique identifier is generated, since expvar names are process-global.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("ciomsdb_service_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	return &ExpvarMetricsRecorder{name: name, ops: expvar.NewMap(name)}
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.ops.Add(operation+"."+status, 1)
	r.ops.AddFloat(operation+".duration_ms_total", float64(duration)/float64(time.Millisecond))
}

// Snapshot returns the counters grouped by operation.
func (r *ExpvarMetricsRecorder) Snapshot() map[string]ExpvarOperationStats {
	out := make(map[string]ExpvarOperationStats)
	r.ops.Do(func(kv expvar.KeyValue) {
		op, field := splitMetricKey(kv.Key)
		stats := out[op]
		switch v := kv.Value.(type) {
		case *expvar.Int:
			if field == "success" {
				stats.Success = v.Value()
			} else {
				stats.Error = v.Value()
			}
		case *expvar.Float:
			stats.DurationMSTotal = v.Value()
		}
		out[op] = stats
	})
	return out
}

func splitMetricKey(key string) (string, string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// JSONTraceEntry is one span written by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and keeps the most recent ones in memory.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	keep    int
	enc     *json.Encoder
}

// NewJSONTracer writes spans to w (nil disables output) and retains up to keep
// spans for Entries; keep <= 0 retains everything.
func NewJSONTracer(w io.Writer, keep int) *JSONTraceTracer {
	t := &JSONTraceTracer{keep: keep}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the retained spans, oldest first.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
	ended     atomic.Bool
}

func (s *jsonTraceSpan) End(err error) {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     "success",
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}

	t := s.tracer
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if t.keep > 0 && len(t.entries) > t.keep {
		t.entries = append(t.entries[:0], t.entries[len(t.entries)-t.keep:]...)
	}
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}
