// Package config loads crawlkit's configuration surface (spec.md §6)
// from the environment, directly adapting server/config.go's
// getEnv/getEnvBool/getEnvInt/getEnvDuration/getEnvFloat64 helpers and
// its "typed struct of fields with a populateDefaults pass" shape.
// Unlike the teacher's LoadConfigFromFlags, this is FromEnv only: a
// library has no business calling flag.Parse on the process's global
// flag set (see DESIGN.md).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/fetchkit/crawlkit/autoscale"
	"github.com/fetchkit/crawlkit/crawler"
	"github.com/fetchkit/crawlkit/proxy"
	"github.com/fetchkit/crawlkit/session"
	"github.com/fetchkit/crawlkit/throttle"
)

// Config holds every tunable named across spec.md §4/§6: pool sizing,
// retry budgets, rate limits, intervals, and the external connection
// strings the concrete collaborators in storage/, transport/, and
// eventbus/ need.
type Config struct {
	// Connection strings for the concrete collaborators.
	AMQPURL   string
	MySQLDSN  string
	SeedQueue string

	// PurgeOnStart, PersistStorage, PersistStateInterval, and
	// SystemInfoInterval are the four knobs spec.md §6's configuration
	// surface table names literally. DefaultBrowserPath is named for
	// the optional browser collaborator (spec.md §6); the core never
	// reads it itself, it is just carried through for a browser
	// collaborator construction to pick up.
	PurgeOnStart         bool
	PersistStorage       bool
	PersistStateInterval time.Duration
	SystemInfoInterval   time.Duration
	DefaultBrowserPath   string

	KeepAlive             bool
	MaxRequestRetries     int
	MaxSessionRotations   int
	RequestHandlerTimeout time.Duration
	MaxRequestsPerCrawl   int

	MinConcurrency     int
	MaxConcurrency     int
	TickInterval       time.Duration
	ScaleUpInterval    time.Duration
	ScaleUpStepRatio   float64
	ScaleDownStepRatio float64
	MaxTasksPerMinute  int
	IdlePollInterval   time.Duration

	MaxCPUUsedRatio float64
	MaxMemUsedRatio float64
	MaxLoopDelay    time.Duration
	MaxClientErrors int

	SnapshotMaxSamples  int
	CPULoadLimit        float64
	MemLoadLimit        float64
	LoopLoadLimit       float64
	ClientLoadLimit     float64

	SessionMaxAge         time.Duration
	SessionMaxUsageCount  int
	SessionMaxErrorScore  float64
	SessionPoolMaxSize    int

	ProxySuccessesToDeescalate int

	ThrottleBaseDelay time.Duration
	ThrottleMaxDelay  time.Duration
}

// Default returns crawlkit's built-in defaults, matching each
// component's own DefaultConfig so config.Default().ToOptions() behaves
// identically to leaving every Options field zero.
func Default() *Config {
	pool := autoscale.DefaultPoolConfig()
	mon := autoscale.DefaultMonitorConfig()
	snap := autoscale.DefaultSnapshotterConfig()
	sess := session.DefaultConfig()
	prox := proxy.DefaultConfig()
	thr := throttle.DefaultConfig()
	drv := crawler.DefaultConfig()

	return &Config{
		SeedQueue: "crawlkit.seeds",

		PurgeOnStart:         false,
		PersistStorage:       false,
		PersistStateInterval: mon.Interval * 60,
		SystemInfoInterval:   mon.Interval,

		KeepAlive:             drv.KeepAlive,
		MaxRequestRetries:     drv.MaxRequestRetries,
		MaxSessionRotations:   drv.MaxSessionRotations,
		RequestHandlerTimeout: drv.RequestHandlerTimeout,
		MaxRequestsPerCrawl:   drv.MaxRequestsPerCrawl,

		MinConcurrency:     pool.MinConcurrency,
		MaxConcurrency:     pool.MaxConcurrency,
		TickInterval:       pool.TickInterval,
		ScaleUpInterval:    pool.ScaleUpInterval,
		ScaleUpStepRatio:   pool.ScaleUpStepRatio,
		ScaleDownStepRatio: pool.ScaleDownStepRatio,
		MaxTasksPerMinute:  pool.MaxTasksPerMinute,
		IdlePollInterval:   pool.IdlePollInterval,

		MaxCPUUsedRatio: mon.MaxCPUUsedRatio,
		MaxMemUsedRatio: mon.MaxMemUsedRatio,
		MaxLoopDelay:    mon.MaxLoopDelay,
		MaxClientErrors: mon.MaxClientErrors,

		SnapshotMaxSamples: snap.MaxSamples,
		CPULoadLimit:       snap.CPULoadLimit,
		MemLoadLimit:       snap.MemLoadLimit,
		LoopLoadLimit:      snap.LoopLoadLimit,
		ClientLoadLimit:    snap.ClientLoadLimit,

		SessionMaxAge:        sess.MaxAge,
		SessionMaxUsageCount: sess.MaxUsageCount,
		SessionMaxErrorScore: sess.MaxErrorScore,
		SessionPoolMaxSize:   0,

		ProxySuccessesToDeescalate: prox.SuccessesToDeescalate,

		ThrottleBaseDelay: thr.BaseDelay,
		ThrottleMaxDelay:  thr.MaxDelay,
	}
}

// FromEnv starts from Default and overrides every field with its
// CRAWLKIT_-prefixed environment variable, if set (spec.md §6).
func FromEnv() *Config {
	c := Default()

	c.AMQPURL = getEnv("CRAWLKIT_AMQP_URL", c.AMQPURL)
	c.MySQLDSN = getEnv("CRAWLKIT_MYSQL_DSN", c.MySQLDSN)
	c.SeedQueue = getEnv("CRAWLKIT_SEED_QUEUE", c.SeedQueue)

	c.PurgeOnStart = getEnvBool("CRAWLKIT_PURGE_ON_START", c.PurgeOnStart)
	c.PersistStorage = getEnvBool("CRAWLKIT_PERSIST_STORAGE", c.PersistStorage)
	c.PersistStateInterval = getEnvDuration("CRAWLKIT_PERSIST_STATE_INTERVAL", c.PersistStateInterval)
	c.SystemInfoInterval = getEnvDuration("CRAWLKIT_SYSTEM_INFO_INTERVAL", c.SystemInfoInterval)
	c.DefaultBrowserPath = getEnv("CRAWLKIT_DEFAULT_BROWSER_PATH", c.DefaultBrowserPath)

	c.KeepAlive = getEnvBool("CRAWLKIT_KEEP_ALIVE", c.KeepAlive)
	c.MaxRequestRetries = getEnvInt("CRAWLKIT_MAX_REQUEST_RETRIES", c.MaxRequestRetries)
	c.MaxSessionRotations = getEnvInt("CRAWLKIT_MAX_SESSION_ROTATIONS", c.MaxSessionRotations)
	c.RequestHandlerTimeout = getEnvDuration("CRAWLKIT_REQUEST_HANDLER_TIMEOUT", c.RequestHandlerTimeout)
	c.MaxRequestsPerCrawl = getEnvInt("CRAWLKIT_MAX_REQUESTS_PER_CRAWL", c.MaxRequestsPerCrawl)

	c.MinConcurrency = getEnvInt("CRAWLKIT_MIN_CONCURRENCY", c.MinConcurrency)
	c.MaxConcurrency = getEnvInt("CRAWLKIT_MAX_CONCURRENCY", c.MaxConcurrency)
	c.TickInterval = getEnvDuration("CRAWLKIT_TICK_INTERVAL", c.TickInterval)
	c.ScaleUpInterval = getEnvDuration("CRAWLKIT_SCALE_UP_INTERVAL", c.ScaleUpInterval)
	c.ScaleUpStepRatio = getEnvFloat64("CRAWLKIT_SCALE_UP_STEP_RATIO", c.ScaleUpStepRatio)
	c.ScaleDownStepRatio = getEnvFloat64("CRAWLKIT_SCALE_DOWN_STEP_RATIO", c.ScaleDownStepRatio)
	c.MaxTasksPerMinute = getEnvInt("CRAWLKIT_MAX_TASKS_PER_MINUTE", c.MaxTasksPerMinute)
	c.IdlePollInterval = getEnvDuration("CRAWLKIT_IDLE_POLL_INTERVAL", c.IdlePollInterval)

	c.MaxCPUUsedRatio = getEnvFloat64("CRAWLKIT_MAX_CPU_USED_RATIO", c.MaxCPUUsedRatio)
	c.MaxMemUsedRatio = getEnvFloat64("CRAWLKIT_MAX_MEM_USED_RATIO", c.MaxMemUsedRatio)
	c.MaxLoopDelay = getEnvDuration("CRAWLKIT_MAX_LOOP_DELAY", c.MaxLoopDelay)
	c.MaxClientErrors = getEnvInt("CRAWLKIT_MAX_CLIENT_ERRORS", c.MaxClientErrors)

	c.SnapshotMaxSamples = getEnvInt("CRAWLKIT_SNAPSHOT_MAX_SAMPLES", c.SnapshotMaxSamples)
	c.CPULoadLimit = getEnvFloat64("CRAWLKIT_CPU_LOAD_LIMIT", c.CPULoadLimit)
	c.MemLoadLimit = getEnvFloat64("CRAWLKIT_MEM_LOAD_LIMIT", c.MemLoadLimit)
	c.LoopLoadLimit = getEnvFloat64("CRAWLKIT_LOOP_LOAD_LIMIT", c.LoopLoadLimit)
	c.ClientLoadLimit = getEnvFloat64("CRAWLKIT_CLIENT_LOAD_LIMIT", c.ClientLoadLimit)

	c.SessionMaxAge = getEnvDuration("CRAWLKIT_SESSION_MAX_AGE", c.SessionMaxAge)
	c.SessionMaxUsageCount = getEnvInt("CRAWLKIT_SESSION_MAX_USAGE_COUNT", c.SessionMaxUsageCount)
	c.SessionMaxErrorScore = getEnvFloat64("CRAWLKIT_SESSION_MAX_ERROR_SCORE", c.SessionMaxErrorScore)
	c.SessionPoolMaxSize = getEnvInt("CRAWLKIT_SESSION_POOL_MAX_SIZE", c.SessionPoolMaxSize)

	c.ProxySuccessesToDeescalate = getEnvInt("CRAWLKIT_PROXY_SUCCESSES_TO_DEESCALATE", c.ProxySuccessesToDeescalate)

	c.ThrottleBaseDelay = getEnvDuration("CRAWLKIT_THROTTLE_BASE_DELAY", c.ThrottleBaseDelay)
	c.ThrottleMaxDelay = getEnvDuration("CRAWLKIT_THROTTLE_MAX_DELAY", c.ThrottleMaxDelay)

	return c
}

// ToOptions translates Config into a crawler.Options, leaving collaborator
// fields (Dataset, Transport, Parser, ...) for the caller to fill in —
// those are wiring decisions, not environment-driven ones.
func (c *Config) ToOptions() crawler.Options {
	return crawler.Options{
		Driver: crawler.Config{
			MaxRequestRetries:     c.MaxRequestRetries,
			MaxSessionRotations:   c.MaxSessionRotations,
			RequestHandlerTimeout: c.RequestHandlerTimeout,
			MaxRequestsPerCrawl:   c.MaxRequestsPerCrawl,
			ErrorStatusCodes:      crawler.DefaultConfig().ErrorStatusCodes,
			RateLimitStatusCodes:  crawler.DefaultConfig().RateLimitStatusCodes,
			UseSessionPool:        true,
		},
		Pool: autoscale.PoolConfig{
			MinConcurrency:     c.MinConcurrency,
			MaxConcurrency:     c.MaxConcurrency,
			TickInterval:       c.TickInterval,
			ScaleUpInterval:    c.ScaleUpInterval,
			ScaleUpStepRatio:   c.ScaleUpStepRatio,
			ScaleDownStepRatio: c.ScaleDownStepRatio,
			MaxTasksPerMinute:  c.MaxTasksPerMinute,
			IdlePollInterval:   c.IdlePollInterval,
		},
		Monitor: autoscale.MonitorConfig{
			Interval:        c.SystemInfoInterval,
			MaxCPUUsedRatio: c.MaxCPUUsedRatio,
			MaxMemUsedRatio: c.MaxMemUsedRatio,
			MaxLoopDelay:    c.MaxLoopDelay,
			MaxClientErrors: c.MaxClientErrors,
		},
		Snapshot: autoscale.SnapshotterConfig{
			MaxSamples:      c.SnapshotMaxSamples,
			CPULoadLimit:    c.CPULoadLimit,
			MemLoadLimit:    c.MemLoadLimit,
			LoopLoadLimit:   c.LoopLoadLimit,
			ClientLoadLimit: c.ClientLoadLimit,
		},
		Session: session.Config{
			MaxAge:              c.SessionMaxAge,
			MaxUsageCount:       c.SessionMaxUsageCount,
			MaxErrorScore:       c.SessionMaxErrorScore,
			ErrorScoreDecrement: 0.5,
			BlockedStatusCodes:  []int{401, 403, 429},
		},
		Proxy: proxy.Config{
			SuccessesToDeescalate: c.ProxySuccessesToDeescalate,
		},
		Throttle: throttle.Config{
			BaseDelay: c.ThrottleBaseDelay,
			MaxDelay:  c.ThrottleMaxDelay,
		},
		KeepAlive:   c.KeepAlive,
		MaxPoolSize: c.SessionPoolMaxSize,

		PurgeOnStart:         c.PurgeOnStart,
		PersistStorage:       c.PersistStorage,
		PersistStateInterval: c.PersistStateInterval,
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
