// Package metrics records task execution latency per task kind in HDR
// histograms and exposes percentile snapshots for the status API.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

const (
	minLatency  = int64(time.Microsecond)
	maxLatency  = int64(10 * time.Minute)
	sigFigures  = 3
	unitDivisor = float64(time.Millisecond)
)

// LatencySnapshot summarizes one kind. Durations are in milliseconds.
type LatencySnapshot struct {
	Kind  string  `json:"kind"`
	Count int64   `json:"count"`
	Min   float64 `json:"min_ms"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	histograms map[types.TaskKind]*hdrhistogram.Histogram
	failures   map[types.TaskKind]int64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		histograms: make(map[types.TaskKind]*hdrhistogram.Histogram),
		failures:   make(map[types.TaskKind]int64),
	}
}

// Observe records one finished task. Values outside the trackable range
// are clamped.
func (r *Recorder) Observe(kind types.TaskKind, d time.Duration, failed bool) {
	v := int64(d)
	if v < minLatency {
		v = minLatency
	}
	if v > maxLatency {
		v = maxLatency
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[kind]
	if !ok {
		h = hdrhistogram.New(minLatency, maxLatency, sigFigures)
		r.histograms[kind] = h
	}
	_ = h.RecordValue(v)
	if failed {
		r.failures[kind]++
	}
}

// Failures returns the number of failed tasks of kind.
func (r *Recorder) Failures(kind types.TaskKind) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[kind]
}

// Snapshot returns one entry per kind that saw at least one task, in
// dispatch priority order.
func (r *Recorder) Snapshot() []LatencySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LatencySnapshot, 0, len(r.histograms))
	for _, kind := range types.TaskKinds {
		h, ok := r.histograms[kind]
		if !ok || h.TotalCount() == 0 {
			continue
		}
		out = append(out, LatencySnapshot{
			Kind:  kind.String(),
			Count: h.TotalCount(),
			Min:   float64(h.Min()) / unitDivisor,
			Mean:  h.Mean() / unitDivisor,
			P50:   float64(h.ValueAtQuantile(50)) / unitDivisor,
			P90:   float64(h.ValueAtQuantile(90)) / unitDivisor,
			P99:   float64(h.ValueAtQuantile(99)) / unitDivisor,
			Max:   float64(h.Max()) / unitDivisor,
		})
	}
	return out
}

// Reset drops every recorded value.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.histograms {
		h.Reset()
	}
	for k := range r.failures {
		delete(r.failures, k)
	}
}
