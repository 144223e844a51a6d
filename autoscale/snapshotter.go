package autoscale

import (
	"sync"
	"time"
)

// SnapshotterConfig bounds the rolling window and the per-resource load
// ratio limits (spec.md §4.2).
type SnapshotterConfig struct {
	MaxSamples int

	CPULoadLimit   float64
	MemLoadLimit   float64
	LoopLoadLimit  float64
	ClientLoadLimit float64
}

func DefaultSnapshotterConfig() SnapshotterConfig {
	return SnapshotterConfig{
		MaxSamples:      60,
		CPULoadLimit:    0.4,
		MemLoadLimit:    0.6,
		LoopLoadLimit:   0.4,
		ClientLoadLimit: 0.3,
	}
}

// Snapshotter maintains a bounded rolling window of Monitor samples and
// answers "is this resource currently overloaded?" queries against it
// (spec.md §4.2).
type Snapshotter struct {
	cfg SnapshotterConfig

	mu      sync.Mutex
	samples []Sample // ring-ish: trimmed to MaxSamples on each append
}

// NewSnapshotter creates a Snapshotter. Typical use subscribes it to a
// Monitor via Consume in a goroutine:
//
//	snap := autoscale.NewSnapshotter(cfg)
//	go snap.Consume(monitor.Subscribe())
func NewSnapshotter(cfg SnapshotterConfig) *Snapshotter {
	if cfg.MaxSamples <= 0 {
		cfg = DefaultSnapshotterConfig()
	}
	return &Snapshotter{cfg: cfg}
}

// Consume reads samples from ch until it closes, feeding each into the
// rolling window.
func (s *Snapshotter) Consume(ch <-chan Sample) {
	for sample := range ch {
		s.Feed(sample)
	}
}

// Feed appends one sample to the rolling window, trimming the oldest
// entries beyond MaxSamples.
func (s *Snapshotter) Feed(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.cfg.MaxSamples {
		s.samples = s.samples[len(s.samples)-s.cfg.MaxSamples:]
	}
}

// GetSample returns the subsequence of samples whose timestamps fall
// within the last duration, oldest first.
func (s *Snapshotter) GetSample(duration time.Duration) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if duration <= 0 {
		return append([]Sample(nil), s.samples...)
	}
	cutoff := time.Now().Add(-duration)
	out := make([]Sample, 0, len(s.samples))
	for _, sm := range s.samples {
		if sm.Timestamp.After(cutoff) {
			out = append(out, sm)
		}
	}
	return out
}

// Resource names a System Monitor signal, for IsOverloaded queries.
type Resource int

const (
	ResourceCPU Resource = iota
	ResourceMemory
	ResourceEventLoop
	ResourceClientErrors
)

// LoadRatio returns overloaded_samples / total_samples over the entire
// current window for the given resource, or 0 if the window is empty
// (spec.md §4.2).
func (s *Snapshotter) LoadRatio(r Resource) float64 {
	s.mu.Lock()
	samples := s.samples
	s.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	overloaded := 0
	for _, sm := range samples {
		if resourceOverloaded(sm, r) {
			overloaded++
		}
	}
	return float64(overloaded) / float64(len(samples))
}

func resourceOverloaded(sm Sample, r Resource) bool {
	switch r {
	case ResourceCPU:
		return sm.CPUOverloaded
	case ResourceMemory:
		return sm.MemOverloaded
	case ResourceEventLoop:
		return sm.LoopOverloaded
	case ResourceClientErrors:
		return sm.ClientOverload
	default:
		return false
	}
}

func (s *Snapshotter) limitFor(r Resource) float64 {
	switch r {
	case ResourceCPU:
		return s.cfg.CPULoadLimit
	case ResourceMemory:
		return s.cfg.MemLoadLimit
	case ResourceEventLoop:
		return s.cfg.LoopLoadLimit
	case ResourceClientErrors:
		return s.cfg.ClientLoadLimit
	default:
		return 1
	}
}

// IsOverloaded reports whether r's load ratio exceeds its configured
// limit (spec.md §4.2).
func (s *Snapshotter) IsOverloaded(r Resource) bool {
	return s.LoadRatio(r) > s.limitFor(r)
}

// IsSystemIdle reports whether none of CPU/memory/event-loop/client are
// currently overloaded (spec.md §4.2).
func (s *Snapshotter) IsSystemIdle() bool {
	return !s.IsOverloaded(ResourceCPU) &&
		!s.IsOverloaded(ResourceMemory) &&
		!s.IsOverloaded(ResourceEventLoop) &&
		!s.IsOverloaded(ResourceClientErrors)
}

// AnyOverloaded reports whether any resource currently exceeds its load
// ratio limit; the Autoscaled Pool's control loop uses this directly
// (spec.md §4.7 step 1).
func (s *Snapshotter) AnyOverloaded() bool {
	return !s.IsSystemIdle()
}
