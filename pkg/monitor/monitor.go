// Package monitor samples process memory on an interval per job, classifies
// pressure against a configured threshold, and publishes typed events. Events
// are advisory: the monitor never halts or mutates processing; the subscriber
// decides the response.
package monitor

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Level classifies a pressure event.
type Level string

const (
	// LevelWarning fires at 80% of the configured threshold.
	LevelWarning Level = "warning"
	// LevelExhaustion fires at 95% of the configured threshold.
	LevelExhaustion Level = "exhaustion"
)

const (
	warningPct    = 80.0
	exhaustionPct = 95.0

	// eventBuffer bounds the per-job event channel. Sends are non-blocking;
	// a slow subscriber drops events rather than stalling the sampler.
	eventBuffer = 16

	defaultHistorySize = 12
)

// ResourceSample is one memory reading. MemoryPct is used/threshold on a
// 0-100 scale, so it can exceed 100 when the process blows past its budget.
type ResourceSample struct {
	MemoryBytes uint64    `json:"memory_bytes"`
	MemorySys   uint64    `json:"memory_sys"`
	MemoryPct   float64   `json:"memory_pct"`
	NumGC       uint32    `json:"num_gc"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Event is one published pressure notification.
type Event struct {
	JobID  string
	Level  Level
	Sample ResourceSample
}

// Config controls one job's sampler.
type Config struct {
	// MemoryThresholdBytes is the budget pressure is measured against.
	MemoryThresholdBytes uint64
	// CheckInterval is the sampling period. Zero means 5s.
	CheckInterval time.Duration
	// HistorySize bounds the retained sample window. Zero means 12.
	HistorySize int
}

type jobMonitor struct {
	cfg    Config
	events chan Event
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	latest  *ResourceSample
	history []ResourceSample
}

// Monitor samples memory for any number of jobs, each with an independent
// ticker so one job's consumer never skews another's sampling. Instances are
// explicit; there is no package-level registry.
type Monitor struct {
	log *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobMonitor

	// readMem is swappable for tests.
	readMem func() (heapAlloc, sys uint64, numGC uint32)
}

// New creates a Monitor.
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		log:  logger.With("component", "monitor"),
		jobs: make(map[string]*jobMonitor),
		readMem: func() (uint64, uint64, uint32) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc, m.Sys, m.NumGC
		},
	}
}

// StartMonitoring spawns the sampler for a job and returns its event channel.
// The first sample is taken immediately, then every CheckInterval. The
// channel is closed by StopMonitoring.
func (m *Monitor) StartMonitoring(jobID string, cfg Config) (<-chan Event, error) {
	if jobID == "" {
		return nil, fmt.Errorf("monitor: empty job ID")
	}
	if cfg.MemoryThresholdBytes == 0 {
		return nil, fmt.Errorf("monitor: zero memory threshold for job %s", jobID)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[jobID]; exists {
		return nil, fmt.Errorf("monitor: job %s is already monitored", jobID)
	}

	jm := &jobMonitor{
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.jobs[jobID] = jm

	m.log.Debug("monitoring started",
		"job_id", jobID,
		"threshold_bytes", cfg.MemoryThresholdBytes,
		"interval", cfg.CheckInterval)

	// Sample once synchronously so a threshold already breached at start
	// is visible to the caller before the first interval elapses.
	m.sample(jobID, jm)
	go m.run(jobID, jm)
	return jm.events, nil
}

// GetCurrentStats returns a copy of the latest sample for a job, or nil when
// the job is unknown or has not been sampled yet.
func (m *Monitor) GetCurrentStats(jobID string) *ResourceSample {
	m.mu.Lock()
	jm, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.latest == nil {
		return nil
	}
	s := *jm.latest
	return &s
}

// History returns the retained sample window for a job, oldest first.
func (m *Monitor) History(jobID string) []ResourceSample {
	m.mu.Lock()
	jm, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	jm.mu.Lock()
	defer jm.mu.Unlock()
	out := make([]ResourceSample, len(jm.history))
	copy(out, jm.history)
	return out
}

// StopMonitoring stops the sampler for a job, closes its event channel, and
// forgets its state. Idempotent: stopping an unknown job is a no-op.
func (m *Monitor) StopMonitoring(jobID string) {
	m.mu.Lock()
	jm, ok := m.jobs[jobID]
	if ok {
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(jm.stop)
	<-jm.done
	close(jm.events)
	m.log.Debug("monitoring stopped", "job_id", jobID)
}

// Stop stops every job's sampler.
func (m *Monitor) Stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopMonitoring(id)
	}
}

func (m *Monitor) run(jobID string, jm *jobMonitor) {
	defer close(jm.done)

	ticker := time.NewTicker(jm.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-jm.stop:
			return
		case <-ticker.C:
			m.sample(jobID, jm)
		}
	}
}

func (m *Monitor) sample(jobID string, jm *jobMonitor) {
	heap, sys, numGC := m.readMem()
	s := ResourceSample{
		MemoryBytes: heap,
		MemorySys:   sys,
		MemoryPct:   float64(heap) / float64(jm.cfg.MemoryThresholdBytes) * 100,
		NumGC:       numGC,
		SampledAt:   time.Now().UTC(),
	}

	jm.mu.Lock()
	jm.latest = &s
	jm.history = append(jm.history, s)
	if len(jm.history) > jm.cfg.HistorySize {
		jm.history = jm.history[1:]
	}
	jm.mu.Unlock()

	switch {
	case s.MemoryPct >= exhaustionPct:
		m.log.Warn("memory exhaustion",
			"job_id", jobID, "used_bytes", heap, "pct", s.MemoryPct)
		m.publish(jm, Event{JobID: jobID, Level: LevelExhaustion, Sample: s})
	case s.MemoryPct >= warningPct:
		m.log.Info("memory warning",
			"job_id", jobID, "used_bytes", heap, "pct", s.MemoryPct)
		m.publish(jm, Event{JobID: jobID, Level: LevelWarning, Sample: s})
	}
}

func (m *Monitor) publish(jm *jobMonitor, ev Event) {
	select {
	case jm.events <- ev:
	default:
		// Subscriber is behind; drop rather than stall the sampler.
	}
}
