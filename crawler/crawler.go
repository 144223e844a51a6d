package crawler

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/fetchkit/crawlkit/autoscale"
	"github.com/fetchkit/crawlkit/collaborator"
	"github.com/fetchkit/crawlkit/eventbus"
	"github.com/fetchkit/crawlkit/loader"
	"github.com/fetchkit/crawlkit/pipeline"
	"github.com/fetchkit/crawlkit/proxy"
	"github.com/fetchkit/crawlkit/queue"
	"github.com/fetchkit/crawlkit/request"
	"github.com/fetchkit/crawlkit/router"
	"github.com/fetchkit/crawlkit/session"
	"github.com/fetchkit/crawlkit/stats"
	"github.com/fetchkit/crawlkit/throttle"
)

// Options assembles every tunable needed to build a Crawler (spec.md §6
// configuration surface, covering every component's knobs in one
// place). Zero-value fields fall back to each component's own default.
type Options struct {
	Driver     Config
	Pool       autoscale.PoolConfig
	Monitor    autoscale.MonitorConfig
	Snapshot   autoscale.SnapshotterConfig
	Session    session.Config
	Proxy      proxy.Config
	Throttle   throttle.Config
	KeepAlive  bool
	MaxPoolSize int // session pool bound; 0 means unbounded

	ProxyTiers []proxy.Tier

	Router *router.Router

	Dataset   collaborator.Dataset
	KV        collaborator.KeyValueStore
	Transport collaborator.Transport
	Parser    collaborator.Parser
	Events    collaborator.EventManager

	Middlewares []pipeline.Middleware

	OnError  ErrorHandler
	OnFailed FailedRequestHandler

	// PurgeOnStart drops the default dataset/KV store before the crawl
	// starts (spec.md §6 "purge_on_start"). It is a no-op when Dataset/KV
	// aren't *storage.MemoryDataset/*storage.MemoryKeyValueStore, since
	// "drop" only has a well-defined meaning for the process-local
	// default store named in spec.md §6.
	PurgeOnStart bool

	// PersistStorage enables the periodic snapshot loop below
	// (spec.md §6 "persist_storage"); PersistStateInterval is its period
	// (spec.md §6 "persist_state_interval", spec.md §4.9). Both are
	// no-ops without a KV store to snapshot into.
	PersistStorage       bool
	PersistStateInterval time.Duration
}

// Crawler is the public facade wiring the queue, session pool, proxy
// coordinator, throttler, pipeline, router, autoscaled pool, system
// monitor/snapshotter, and driver into one runnable unit (spec.md §1,
// §2). It is the module's top-level entry point.
type Crawler struct {
	Queue     *queue.Queue
	Sessions  *session.Pool
	Proxies   *proxy.Coordinator
	Throttler *throttle.Throttler
	Stats     *stats.Stats
	Events    collaborator.EventManager

	monitor *autoscale.Monitor
	snap    *autoscale.Snapshotter
	pool    *autoscale.Pool
	driver  *Driver

	dataset collaborator.Dataset
	kv      collaborator.KeyValueStore

	persistStorage       bool
	persistStateInterval time.Duration

	// baseKeepAlive is the crawl's own keep_alive setting (spec.md §4.5);
	// activeLoaders counts Tandems currently streaming via AddLoader. The
	// queue's keep_alive is forced true for as long as any loader is
	// active and restored to baseKeepAlive once the last one finishes
	// (spec.md §4.6).
	baseKeepAlive bool
	activeLoaders int32
}

// dropper is satisfied by storage.MemoryDataset/MemoryKeyValueStore
// (and any other collaborator that defines its own Drop), checked via
// type assertion so crawler need not import storage directly
// (spec.md §6 "purge_on_start", §4.5 "drop()").
type dropper interface{ Drop() }

// New builds a Crawler ready to run. keepAlive is mirrored onto both the
// queue and the driver config, matching spec.md §4.5/§9's "keep_alive
// does not override max_requests_per_crawl" decision.
func New(opts Options) *Crawler {
	q := queue.New(opts.KeepAlive)

	sessCfg := opts.Session
	if sessCfg.MaxAge == 0 {
		sessCfg = session.DefaultConfig()
	}
	sessions := session.NewPool(opts.MaxPoolSize, sessCfg)

	proxyCfg := opts.Proxy
	if proxyCfg.SuccessesToDeescalate == 0 {
		proxyCfg = proxy.DefaultConfig()
	}
	proxies := proxy.NewCoordinator(opts.ProxyTiers, proxyCfg)

	throttleCfg := opts.Throttle
	if throttleCfg.BaseDelay == 0 {
		throttleCfg = throttle.DefaultConfig()
	}
	throttler := throttle.New(throttleCfg, nil)

	st := stats.New()

	events := opts.Events
	if events == nil {
		events = eventbus.NewInProcess()
	}

	monitor := autoscale.NewMonitor(opts.Monitor)
	snap := autoscale.NewSnapshotter(opts.Snapshot)

	rt := opts.Router
	if rt == nil {
		rt = router.New()
	}

	driverCfg := opts.Driver
	if driverCfg.MaxRequestRetries == 0 {
		driverCfg = DefaultConfig()
	}
	driverCfg.KeepAlive = opts.KeepAlive
	// New always constructs a session.Pool above, so the driver must
	// always consult it; UseSessionPool is not a knob the facade's
	// caller sets directly (Config{} zero value would otherwise shadow
	// it whenever any other Driver field was set), so it is forced here
	// rather than left to DefaultConfig's fallback above.
	driverCfg.UseSessionPool = true

	poolCfg := opts.Pool
	if poolCfg.MaxConcurrency == 0 {
		poolCfg = autoscale.DefaultPoolConfig()
	}
	pool := autoscale.NewPool(poolCfg, snap)

	deps := Deps{
		Queue:       q,
		Sessions:    sessions,
		Proxies:     proxies,
		Throttler:   throttler,
		Router:      rt,
		Stats:       st,
		Events:      events,
		Dataset:     opts.Dataset,
		KV:          opts.KV,
		Transport:   opts.Transport,
		Parser:      opts.Parser,
		Middlewares: opts.Middlewares,
		OnError:     opts.OnError,
		OnFailed:    opts.OnFailed,
	}
	driver := NewDriver(driverCfg, deps, pool)

	if opts.PurgeOnStart {
		if dd, ok := opts.Dataset.(dropper); ok {
			dd.Drop()
		}
		if kd, ok := opts.KV.(dropper); ok {
			kd.Drop()
		}
	}

	return &Crawler{
		Queue:     q,
		Sessions:  sessions,
		Proxies:   proxies,
		Throttler: throttler,
		Stats:     st,
		Events:    events,
		monitor:   monitor,
		snap:      snap,
		pool:      pool,
		driver:    driver,
		dataset:   opts.Dataset,
		kv:        opts.KV,

		persistStorage:       opts.PersistStorage,
		persistStateInterval: opts.PersistStateInterval,

		baseKeepAlive: opts.KeepAlive,
	}
}

// AddRequests seeds the queue directly (spec.md §4.5). forefront true
// inserts at the front.
func (c *Crawler) AddRequests(reqs []*request.Request, forefront bool) []collaborator.AddResult {
	return c.Queue.AddBatch(reqs, forefront)
}

// AddLoader couples l to the queue via a Tandem and streams it
// concurrently with the crawl: the queue is held open ("maybe more
// later") for as long as l hasn't reported IsFinished, the same way
// keep_alive holds it open for externally-added requests (spec.md §4.6).
// Call AddLoader before Run so the pool sees the queue as non-empty (or
// at least non-finished) from the start; it is also safe to call after
// Run has started. Errors from SeedAll are logged, not returned, since
// the stream runs in the background for the lifetime of the crawl.
func (c *Crawler) AddLoader(ctx context.Context, l loader.Loader) {
	t := loader.NewTandem(l, c.Queue)
	atomic.AddInt32(&c.activeLoaders, 1)
	c.Queue.SetKeepAlive(true)

	go func() {
		defer func() {
			if atomic.AddInt32(&c.activeLoaders, -1) == 0 {
				c.Queue.SetKeepAlive(c.baseKeepAlive)
			}
		}()
		if err := t.SeedAll(ctx); err != nil {
			log.Printf("[crawler] loader stopped: %v", err)
		}
	}()
}

// Run drains reqs into the queue, starts the system monitor, snapshot
// feed, and autoscaled pool, and blocks until the crawl finishes
// (spec.md §1, §4.7, §4.10). It emits EventPersistState once on exit so
// a caller can snapshot Stats/session pool state.
func (c *Crawler) Run(ctx context.Context, seeds []*request.Request) error {
	if len(seeds) > 0 {
		c.Queue.AddBatch(seeds, false)
	}

	c.monitor.Start()
	sampleCh := c.monitor.Subscribe()
	go c.snap.Consume(sampleCh)
	defer c.monitor.Stop()

	c.Events.Emit(collaborator.EventSystemInfo, map[string]any{"stats_id": c.Stats.GetState().StatsID})

	if c.persistStorage && c.persistStateInterval > 0 && c.kv != nil {
		persistCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go c.persistStateLoop(persistCtx)
	}

	err := c.pool.Run(ctx, c.driver.RunOne, c.driver.HasQueuedWork)

	c.Stats.Finish()
	c.persistStateOnce(ctx)
	c.Events.Emit(collaborator.EventPersistState, c.Stats.GetState())
	c.Events.Emit(collaborator.EventExit, nil)

	if err != nil {
		return fmt.Errorf("crawler: run: %w", err)
	}
	return nil
}

// Stop requests a graceful shutdown: in-flight requests finish, no new
// ones start (spec.md §4.7 Termination).
func (c *Crawler) Stop(reason string) { c.pool.Stop(reason) }

// Abort cancels every in-flight request immediately (spec.md §4.7
// Termination: best-effort cancellation).
func (c *Crawler) Abort() {
	c.Events.Emit(collaborator.EventAborting, nil)
	c.pool.Abort()
}

// GetStats returns a snapshot of the crawl's statistics (spec.md §4.9).
func (c *Crawler) GetStats() stats.State { return c.Stats.GetState() }

// persistStateLoop snapshots Stats and the session pool into the
// key-value collaborator every persistStateInterval, the periodic
// "persist_state" event spec.md §4.9/§6 describes, generalizing
// server/monitoring.go's ticker-driven periodic report loop from
// "print a line" to "dump a JSON document to a KV store".
func (c *Crawler) persistStateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.persistStateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.persistStateOnce(ctx)
			c.Events.Emit(collaborator.EventPersistState, c.Stats.GetState())
		}
	}
}

// persistStateOnce writes one snapshot; it is best-effort, matching
// spec.md §1 Non-goals ("best-effort snapshotting").
func (c *Crawler) persistStateOnce(ctx context.Context) {
	if c.kv == nil {
		return
	}
	st := c.Stats.GetState()
	if raw, err := c.Stats.Persist(); err != nil {
		log.Printf("[crawler] persist stats: %v", err)
	} else if err := c.kv.Set(ctx, "stats:"+st.StatsID, raw, "application/json"); err != nil {
		log.Printf("[crawler] persist stats to kv: %v", err)
	}

	if c.Sessions == nil {
		return
	}
	if raw, err := c.Sessions.Dump(); err != nil {
		log.Printf("[crawler] persist session pool: %v", err)
	} else if err := c.kv.Set(ctx, "session-pool", raw, "application/json"); err != nil {
		log.Printf("[crawler] persist session pool to kv: %v", err)
	}
}
