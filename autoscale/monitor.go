// Package autoscale implements the System Monitor (C1), Snapshotter
// (C2), and Autoscaled Pool (C11) from spec.md §4.1, §4.2, §4.7.
//
// The ticker-driven periodic sampling loop is grounded on
// server/monitoring.go's MonitoringManager (time.NewTicker, a stop
// channel, one goroutine printing/publishing a report every interval);
// Pool's worker lifecycle — context+cancel, buffered channel,
// sync.WaitGroup drain, per-task panic recovery — is a direct
// generalization of server/worker_pool.go's WorkerPool from a fixed
// workerCount to a live desired_concurrency the control loop adjusts.
package autoscale

import (
	"log"
	"runtime"
	"sync"
	"time"
)

// Sample is one System Monitor reading (spec.md §4.1). Each resource
// carries its own raw value and a derived overloaded flag.
type Sample struct {
	Timestamp time.Time

	CPUUsedRatio   float64
	CPUOverloaded  bool
	MemUsedRatio   float64
	MemOverloaded  bool
	EventLoopDelay time.Duration
	LoopOverloaded bool
	ClientErrors   int
	ClientOverload bool
}

// MonitorConfig sets the overload thresholds and sampling interval
// (spec.md §4.1).
type MonitorConfig struct {
	Interval time.Duration

	MaxCPUUsedRatio float64
	MaxMemUsedRatio float64
	MaxLoopDelay    time.Duration
	MaxClientErrors int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:        time.Second,
		MaxCPUUsedRatio: 0.95,
		MaxMemUsedRatio: 0.90,
		MaxLoopDelay:    50 * time.Millisecond,
		MaxClientErrors: 1,
	}
}

// Monitor samples CPU, memory, event-loop latency, and client-error
// signals at a fixed interval and publishes a Sample to every
// subscriber (spec.md §4.1). It has no collaborator dependency: the
// "publish via an in-process event bus" contract is satisfied with a
// plain fan-out, so the core never needs a concrete eventbus to run.
type Monitor struct {
	cfg MonitorConfig

	// cpuProbe/memProbe/loopProbe are overridable for deterministic
	// tests; the defaults are the real stdlib-backed probes.
	cpuProbe  func() float64
	memProbe  func() float64
	loopProbe func(interval time.Duration) time.Duration

	mu            sync.Mutex
	subs          []chan Sample
	clientErrors  int
	lastLoopCheck time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// NewMonitor creates a Monitor with the real stdlib-backed probes.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg = DefaultMonitorConfig()
	}
	return &Monitor{
		cfg:       cfg,
		cpuProbe:  sampleCPU,
		memProbe:  sampleMemory,
		loopProbe: sampleEventLoopDelay,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RecordClientError increments the counter of HTTP 429/503-equivalent
// events observed since the last sample (spec.md §4.1).
func (m *Monitor) RecordClientError() {
	m.mu.Lock()
	m.clientErrors++
	m.mu.Unlock()
}

// Subscribe returns a channel receiving every future Sample. The
// channel is buffered; a slow subscriber misses samples rather than
// stalling the monitor.
func (m *Monitor) Subscribe() <-chan Sample {
	ch := make(chan Sample, 8)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Start begins the sampling loop in a new goroutine. Stop ends it.
func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.publish(m.sampleOnce())
		}
	}
}

func (m *Monitor) sampleOnce() Sample {
	cpu := m.cpuProbe()
	mem := m.memProbe()
	loopDelay := m.loopProbe(m.cfg.Interval)

	m.mu.Lock()
	clientErrors := m.clientErrors
	m.clientErrors = 0
	m.mu.Unlock()

	return Sample{
		Timestamp:      time.Now(),
		CPUUsedRatio:   cpu,
		CPUOverloaded:  cpu > m.cfg.MaxCPUUsedRatio,
		MemUsedRatio:   mem,
		MemOverloaded:  mem > m.cfg.MaxMemUsedRatio,
		EventLoopDelay: loopDelay,
		LoopOverloaded: loopDelay > m.cfg.MaxLoopDelay,
		ClientErrors:   clientErrors,
		ClientOverload: clientErrors > m.cfg.MaxClientErrors,
	}
}

func (m *Monitor) publish(s Sample) {
	m.mu.Lock()
	subs := append([]chan Sample(nil), m.subs...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			log.Printf("[monitor] subscriber channel full, dropping sample")
		}
	}
}

// Stop ends the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.done
}

// sampleCPU is a short synchronous probe yielding a used ratio in
// [0,1]. Stdlib has no direct host-CPU-percent reader, so this samples
// the runtime's own recent GC/scheduler load as the best available
// proxy (spec.md §4.1 allows any "short synchronous probe").
func sampleCPU() float64 {
	before := runtime.NumGoroutine()
	start := time.Now()
	// Busy-spin briefly so the ratio reflects scheduler contention under
	// load, without blocking for the full sampling interval.
	deadline := start.Add(2 * time.Millisecond)
	iterations := 0
	for time.Now().Before(deadline) {
		iterations++
	}
	elapsed := time.Since(start)
	after := runtime.NumGoroutine()

	ratio := elapsed.Seconds() / (2 * time.Millisecond).Seconds()
	if after > before {
		ratio += float64(after-before) * 0.01
	}
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	_ = iterations
	return ratio
}

// sampleMemory reports the Go heap's allocated bytes (MemStats.HeapAlloc)
// as a ratio of the memory the runtime has obtained from the OS
// (MemStats.Sys). It does not read process RSS and does not consult a
// configured soft memory limit. Children-process aggregation and
// Linux-PSS refinement (spec.md §4.1) are left to a platform-specific
// collaborator; this probe stays portable stdlib.
func sampleMemory() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	ratio := float64(ms.HeapAlloc) / float64(ms.Sys)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// sampleEventLoopDelay measures the delay between a scheduled tick and
// the actual tick, the closest Go analogue to a cooperative runtime's
// event-loop lag: how late a goroutine woken by time.After actually
// runs.
func sampleEventLoopDelay(interval time.Duration) time.Duration {
	want := 1 * time.Millisecond
	start := time.Now()
	<-time.After(want)
	actual := time.Since(start)
	delay := actual - want
	if delay < 0 {
		return 0
	}
	return delay
}
