// Package stats implements the Statistics state and error tracker
// (spec.md §4.9).
//
// The "separate stats struct guarded by its own mutex, copied out by
// value in GetStats so callers never see the lock" shape is taken
// directly from server/query_cache.go's CacheStats, and the
// ticker-driven periodic report loop is taken from
// server/monitoring.go's MonitoringManager.
package stats

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the persisted/observable statistics document (spec.md §3,
// §4.9, §6). Field names match the JSON document spec.md §6 requires to
// be forward-compatible (unknown fields ignored on load).
type State struct {
	StatsID              string    `json:"stats_id"`
	CrawlerLastStartedAt time.Time `json:"crawler_last_started_at"`
	CrawlerFinishedAt    time.Time `json:"crawler_finished_at,omitempty"`
	CrawlerRuntime       time.Duration `json:"crawler_runtime"`

	RequestsFinished int64   `json:"requests_finished"`
	RequestsFailed   int64   `json:"requests_failed"`
	RetryHistogram   []int64 `json:"retry_histogram"`

	RequestTotalFinishedDuration time.Duration `json:"request_total_finished_duration"`
	RequestTotalFailedDuration   time.Duration `json:"request_total_failed_duration"`
	RequestMaxDuration           time.Duration `json:"request_max_duration"`

	FirstRequestAt time.Time `json:"first_request_at,omitempty"`
	LastRequestAt  time.Time `json:"last_request_at,omitempty"`
}

// AverageFinishedDuration returns the mean duration of finished
// requests, or (0, false) if none have finished yet ("never" per
// spec.md §4.9).
func (s State) AverageFinishedDuration() (time.Duration, bool) {
	if s.RequestsFinished == 0 {
		return 0, false
	}
	return s.RequestTotalFinishedDuration / time.Duration(s.RequestsFinished), true
}

// AverageFailedDuration returns the mean duration of failed requests, or
// (0, false) if none have failed yet.
func (s State) AverageFailedDuration() (time.Duration, bool) {
	if s.RequestsFailed == 0 {
		return 0, false
	}
	return s.RequestTotalFailedDuration / time.Duration(s.RequestsFailed), true
}

// RequestsPerMinute returns the finished-request throughput over the
// elapsed crawler runtime.
func (s State) RequestsPerMinute() float64 {
	if s.CrawlerRuntime <= 0 {
		return 0
	}
	return float64(s.RequestsFinished) / s.CrawlerRuntime.Minutes()
}

// Stats is the mutable, concurrency-safe counterpart of State: a single
// writer (the driver) updates it; GetState returns a point-in-time copy
// for persistence or reporting.
type Stats struct {
	mu    sync.Mutex
	state State

	startedAt time.Time
	tracker   *ErrorTracker
}

// New creates a Stats tracker, minting a fresh stats_id the way
// session.Pool mints session IDs: via github.com/google/uuid, since the
// teacher's own id scheme (time.Now().UnixNano() in client/conn.go) is a
// correlation id for one in-flight RPC, not a stable identity meant to
// survive a persist/reload cycle.
func New() *Stats {
	now := time.Now()
	return &Stats{
		state: State{
			StatsID:              uuid.NewString(),
			CrawlerLastStartedAt: now,
		},
		startedAt: now,
		tracker:   NewErrorTracker(ErrorTrackerConfig{IncludeLocation: true, IncludeKind: true, IncludeMessage: true}),
	}
}

// RecordFinished records one successfully finished request, after
// retryCount prior retries, taking duration to complete.
func (s *Stats) RecordFinished(retryCount int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RequestsFinished++
	s.growHistogramLocked(retryCount)
	s.state.RetryHistogram[retryCount]++
	s.state.RequestTotalFinishedDuration += duration
	s.bumpMaxLocked(duration)
	s.touchTimestampsLocked()
}

// RecordFailed records one permanently failed request.
func (s *Stats) RecordFailed(duration time.Duration, err error) {
	s.mu.Lock()
	s.state.RequestsFailed++
	s.state.RequestTotalFailedDuration += duration
	s.bumpMaxLocked(duration)
	s.touchTimestampsLocked()
	s.mu.Unlock()

	if err != nil {
		s.tracker.Record(err)
	}
}

func (s *Stats) growHistogramLocked(retryCount int) {
	for len(s.state.RetryHistogram) <= retryCount {
		s.state.RetryHistogram = append(s.state.RetryHistogram, 0)
	}
}

func (s *Stats) bumpMaxLocked(d time.Duration) {
	if d > s.state.RequestMaxDuration {
		s.state.RequestMaxDuration = d
	}
}

func (s *Stats) touchTimestampsLocked() {
	now := time.Now()
	if s.state.FirstRequestAt.IsZero() {
		s.state.FirstRequestAt = now
	}
	s.state.LastRequestAt = now
}

// Finish stamps CrawlerFinishedAt and freezes CrawlerRuntime.
func (s *Stats) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CrawlerFinishedAt = time.Now()
	s.state.CrawlerRuntime = s.state.CrawlerFinishedAt.Sub(s.startedAt)
}

// GetState returns a point-in-time copy of the statistics state, with
// CrawlerRuntime computed against "now" if the crawl hasn't finished
// yet.
func (s *Stats) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.RetryHistogram = append([]int64(nil), s.state.RetryHistogram...)
	if st.CrawlerFinishedAt.IsZero() {
		st.CrawlerRuntime = time.Since(s.startedAt)
	}
	return st
}

// ErrorTracker returns the tracker accumulating grouped handler/parse
// errors (spec.md §4.9).
func (s *Stats) ErrorTracker() *ErrorTracker { return s.tracker }

// Persist serializes the current state to JSON, keyed by stats_id, for
// a key-value collaborator (spec.md §4.9, §6).
func (s *Stats) Persist() ([]byte, error) {
	return json.Marshal(s.GetState())
}

// Merge loads a previously persisted State and folds it into the
// current in-memory state: counters summed, durations summed, max
// taken (spec.md §4.9 "previous state is loaded and merged").
func (s *Stats) Merge(data []byte) error {
	var prev State
	if err := json.Unmarshal(data, &prev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.RequestsFinished += prev.RequestsFinished
	s.state.RequestsFailed += prev.RequestsFailed
	s.state.RequestTotalFinishedDuration += prev.RequestTotalFinishedDuration
	s.state.RequestTotalFailedDuration += prev.RequestTotalFailedDuration
	if prev.RequestMaxDuration > s.state.RequestMaxDuration {
		s.state.RequestMaxDuration = prev.RequestMaxDuration
	}
	if !prev.FirstRequestAt.IsZero() && (s.state.FirstRequestAt.IsZero() || prev.FirstRequestAt.Before(s.state.FirstRequestAt)) {
		s.state.FirstRequestAt = prev.FirstRequestAt
	}

	for i, v := range prev.RetryHistogram {
		s.growHistogramLocked(i)
		s.state.RetryHistogram[i] += v
	}
	if prev.StatsID != "" {
		s.state.StatsID = prev.StatsID
	}
	return nil
}
