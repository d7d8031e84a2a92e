// Package telemetry collects and reports process and pipeline
// metrics for the operator.
package telemetry

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Metrics holds a snapshot of module telemetry.
type Metrics struct {
	Timestamp time.Time `json:"timestamp"`

	// Process
	CPUCount    int     `json:"cpu_count"`
	GoRoutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMemMB    float64 `json:"sys_mem_mb"`
	UptimeSec   float64 `json:"uptime_sec"`

	// Key flow
	KeysIn        uint64 `json:"keys_in"`
	KeysOut       uint64 `json:"keys_out"`
	KeyBitsIn     uint64 `json:"key_bits_in"`
	KeyBitsOut    uint64 `json:"key_bits_out"`
	KeysInRate    uint64 `json:"keys_in_per_sec"`
	KeysOutRate   uint64 `json:"keys_out_per_sec"`
	QAuthFailures uint64 `json:"qauth_failures"`

	// Key synchronization
	StashInSync    int `json:"stash_in_sync"`
	StashOutOfSync int `json:"stash_out_of_sync"`
}

// StatsSource provides module statistics.
type StatsSource interface {
	GetStats() map[string]any
}

// Reporter collects metrics and makes them available for the
// operator surface.
type Reporter struct {
	mu      sync.RWMutex
	source  StatsSource
	latest  *Metrics
	history []Metrics
	maxHist int
	started time.Time
	logger  *slog.Logger
}

// NewReporter creates a new telemetry reporter.
func NewReporter(source StatsSource) *Reporter {
	return &Reporter{
		source:  source,
		history: make([]Metrics, 0, 60),
		maxHist: 60,
		started: time.Now(),
		logger:  slog.Default().With("component", "telemetry"),
	}
}

// Collect gathers current metrics.
func (r *Reporter) Collect() Metrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := Metrics{
		Timestamp:   time.Now(),
		CPUCount:    runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(memStats.HeapAlloc) / 1024 / 1024,
		SysMemMB:    float64(memStats.Sys) / 1024 / 1024,
		UptimeSec:   time.Since(r.started).Seconds(),
	}

	if r.source != nil {
		stats := r.source.GetStats()
		if v, ok := stats["keys_in"].(uint64); ok {
			m.KeysIn = v
		}
		if v, ok := stats["keys_out"].(uint64); ok {
			m.KeysOut = v
		}
		if v, ok := stats["key_bits_in"].(uint64); ok {
			m.KeyBitsIn = v
		}
		if v, ok := stats["key_bits_out"].(uint64); ok {
			m.KeyBitsOut = v
		}
		if v, ok := stats["keys_in_per_sec"].(uint64); ok {
			m.KeysInRate = v
		}
		if v, ok := stats["keys_out_per_sec"].(uint64); ok {
			m.KeysOutRate = v
		}
		if v, ok := stats["qauth_failures"].(uint64); ok {
			m.QAuthFailures = v
		}
		if v, ok := stats["stash_in_sync"].(int); ok {
			m.StashInSync = v
		}
		if v, ok := stats["stash_out_of_sync"].(int); ok {
			m.StashOutOfSync = v
		}
	}

	r.mu.Lock()
	r.latest = &m
	if len(r.history) >= r.maxHist {
		r.history = r.history[1:]
	}
	r.history = append(r.history, m)
	r.mu.Unlock()

	return m
}

// Latest returns the last collected metrics.
func (r *Reporter) Latest() *Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return nil
	}
	m := *r.latest
	return &m
}

// History returns historical metrics.
func (r *Reporter) History() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Metrics, len(r.history))
	copy(result, r.history)
	return result
}
