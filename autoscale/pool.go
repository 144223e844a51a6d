package autoscale

import (
	"context"
	"math"
	"sync"
	"time"
)

// WorkResult is what a unit of work reports back to a Pool worker
// (spec.md §4.7 worker loop).
type WorkResult int

const (
	// WorkDone means a unit of work was fetched and processed.
	WorkDone WorkResult = iota
	// WorkNone means no work was available right now, but the queue
	// reports "maybe more later" (keep_alive or a loader still feeding).
	WorkNone
	// WorkFinished means the queue is permanently finished: the worker
	// should exit.
	WorkFinished
)

// PoolConfig bounds the Autoscaled Pool's concurrency and rate-limiting
// behavior (spec.md §4.7).
type PoolConfig struct {
	MinConcurrency int
	MaxConcurrency int

	TickInterval      time.Duration
	ScaleUpInterval   time.Duration
	ScaleUpStepRatio  float64
	ScaleDownStepRatio float64

	MaxTasksPerMinute int // 0 means unbounded

	IdlePollInterval time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConcurrency:     1,
		MaxConcurrency:     100,
		TickInterval:       time.Second,
		ScaleUpInterval:    10 * time.Second,
		ScaleUpStepRatio:   0.1,
		ScaleDownStepRatio: 0.2,
		MaxTasksPerMinute:  0,
		IdlePollInterval:   250 * time.Millisecond,
	}
}

// HasQueuedWorkFunc reports whether there is currently queued work the
// pool could usefully scale up to serve (spec.md §4.7 step 2c).
type HasQueuedWorkFunc func() bool

// WorkFunc performs one unit of work. The driver (C12) supplies this;
// the pool never inspects the queue or request state directly.
type WorkFunc func(ctx context.Context) (WorkResult, error)

// Pool drives concurrency for the crawler: it ramps desired_concurrency
// up and down from Snapshotter signals and enforces a global
// max-tasks-per-minute rate cap (spec.md §4.7).
//
// The worker lifecycle (context+cancel, sync.WaitGroup drain, per-task
// panic recovery) generalizes server/worker_pool.go's WorkerPool from a
// fixed workerCount to a live desired_concurrency the control loop
// raises and lowers every tick, the way server/monitoring.go's ticker
// loop samples state every MonitoringInterval.
type Pool struct {
	cfg  PoolConfig
	snap *Snapshotter

	mu               sync.Mutex
	desired          int
	current          int
	retireSignals    int
	lastOverloadedAt time.Time
	stopRequested    bool
	stopReason       string

	limiter *rateLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a Pool starting at MinConcurrency.
func NewPool(cfg PoolConfig, snap *Snapshotter) *Pool {
	if cfg.MinConcurrency <= 0 {
		cfg = DefaultPoolConfig()
	}
	return &Pool{
		cfg:     cfg,
		snap:    snap,
		desired: cfg.MinConcurrency,
		limiter: newRateLimiter(cfg.MaxTasksPerMinute),
	}
}

// Run spawns workers and the control loop, and blocks until every
// worker has exited (the queue reported WorkFinished to each, or Abort
// was called). hasWork is queried by the control loop before scaling up.
func (p *Pool) Run(ctx context.Context, work WorkFunc, hasWork HasQueuedWorkFunc) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	defer p.cancel()

	p.mu.Lock()
	p.lastOverloadedAt = time.Now()
	initial := p.desired
	p.mu.Unlock()

	for i := 0; i < initial; i++ {
		p.spawnWorker(work)
	}

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		p.controlLoop(work, hasWork)
	}()

	p.wg.Wait()
	p.cancel() // stop the control loop once every worker has drained
	<-controlDone
	return nil
}

func (p *Pool) controlLoop(work WorkFunc, hasWork HasQueuedWorkFunc) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tick(work, hasWork)
		}
	}
}

// tick implements spec.md §4.7's control loop steps 1-3.
func (p *Pool) tick(work WorkFunc, hasWork HasQueuedWorkFunc) {
	overloaded := p.snap != nil && p.snap.AnyOverloaded()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopRequested {
		return
	}

	if overloaded {
		p.lastOverloadedAt = time.Now()
		target := p.desired - int(math.Ceil(float64(p.desired)*p.cfg.ScaleDownStepRatio))
		if target < p.cfg.MinConcurrency {
			target = p.cfg.MinConcurrency
		}
		p.scaleToLocked(target, work)
		return
	}

	sawNoOverloadRecently := time.Since(p.lastOverloadedAt) >= p.cfg.ScaleUpInterval
	if p.current == p.desired && sawNoOverloadRecently && hasWork != nil && hasWork() {
		target := p.desired + int(math.Ceil(float64(p.desired)*p.cfg.ScaleUpStepRatio))
		if target > p.cfg.MaxConcurrency {
			target = p.cfg.MaxConcurrency
		}
		p.scaleToLocked(target, work)
	}
}

// scaleToLocked adjusts desired to target, spawning new workers for an
// increase or queuing retire signals for a decrease. Must be called
// with p.mu held.
func (p *Pool) scaleToLocked(target int, work WorkFunc) {
	if target == p.desired {
		return
	}
	if target > p.desired {
		delta := target - p.desired
		p.desired = target
		for i := 0; i < delta; i++ {
			go p.spawnWorker(work)
		}
		return
	}
	delta := p.desired - target
	p.desired = target
	p.retireSignals += delta
}

func (p *Pool) spawnWorker(work WorkFunc) {
	p.mu.Lock()
	p.current++
	p.mu.Unlock()
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.current--
			p.mu.Unlock()
		}()
		p.workerLoop(work)
	}()
}

// workerLoop implements spec.md §4.7's worker loop: acquire a rate
// token, ask the driver for the next unit of work, sleep and retry on
// WorkNone, exit on WorkFinished or a retire signal.
func (p *Pool) workerLoop(work WorkFunc) {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.consumeRetireSignal() {
			return
		}

		if !p.limiter.acquire(p.ctx) {
			return
		}

		result, err := work(p.ctx)
		if err != nil {
			// Business-logic failures are handled by the driver inside
			// work itself; an error here means the context was
			// cancelled or a catastrophic failure occurred.
			return
		}

		switch result {
		case WorkFinished:
			return
		case WorkNone:
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.IdlePollInterval):
			}
		case WorkDone:
		}
	}
}

func (p *Pool) consumeRetireSignal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retireSignals > 0 {
		p.retireSignals--
		return true
	}
	return false
}

// Stop requests a graceful shutdown: no new work is accepted by the
// control loop, but workers finish whatever they currently hold
// in-flight before exiting, via work itself observing StopRequested
// (spec.md §4.7 Termination).
func (p *Pool) Stop(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopRequested = true
	p.stopReason = reason
}

// StopRequested reports whether Stop was called, and the reason given.
func (p *Pool) StopRequested() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested, p.stopReason
}

// Abort cancels every in-flight worker immediately via context
// cancellation (spec.md §4.7 Termination: "best-effort cancellation").
func (p *Pool) Abort() {
	if p.cancel != nil {
		p.cancel()
	}
}

// DesiredConcurrency returns the current target worker count.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// CurrentConcurrency returns the number of worker goroutines presently
// running.
func (p *Pool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// rateLimiter caps starts per minute across the whole pool (spec.md
// §4.7: "Global rate limiter"), the same token-bucket shape as
// server/rate_limiter.go's TokenBucket, refilled continuously instead
// of per-client.
type rateLimiter struct {
	perMinute int

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{perMinute: perMinute, tokens: float64(perMinute), lastRefill: time.Now()}
}

// acquire blocks (respecting ctx) until a token is available, or
// returns immediately true if unbounded. Returns false if ctx is done
// first.
func (r *rateLimiter) acquire(ctx context.Context) bool {
	if r.perMinute <= 0 {
		return true
	}
	for {
		r.mu.Lock()
		now := time.Now()
		elapsedMinutes := now.Sub(r.lastRefill).Minutes()
		r.tokens += elapsedMinutes * float64(r.perMinute)
		if r.tokens > float64(r.perMinute) {
			r.tokens = float64(r.perMinute)
		}
		r.lastRefill = now
		if r.tokens >= 1.0 {
			r.tokens -= 1.0
			r.mu.Unlock()
			return true
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
