package stats

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// ErrorTrackerConfig controls how error messages are collapsed into a
// generic group key, and which dimensions make up the composite key
// spec.md §4.9 groups by: (file:line, error_kind, generic_message).
type ErrorTrackerConfig struct {
	IncludeLocation bool
	IncludeKind     bool
	IncludeMessage  bool
}

var (
	numericSpan = regexp.MustCompile(`\b\d+\b`)
	hexSpan     = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
)

// GenericMessage collapses volatile substrings (numbers, hex addresses)
// out of an error message so that errors differing only in which id or
// byte offset they mention are grouped together (spec.md §4.9: "timeout
// 12 ms" and "timeout 400 ms" collapse to "timeout _ ms").
func GenericMessage(msg string) string {
	msg = hexSpan.ReplaceAllString(msg, "_")
	msg = numericSpan.ReplaceAllString(msg, "_")
	return strings.TrimSpace(msg)
}

// Group is one bucket of collapsed errors sharing a composite key.
type Group struct {
	Location string
	Kind     string
	Message  string
	Sample   string
	Count    int64
}

// ErrorTracker groups errors observed during a crawl by a composite key
// (file:line, error_kind, generic_message), the way
// server/monitoring.go's MonitoringManager groups repeated log lines
// rather than recording every occurrence individually.
type ErrorTracker struct {
	cfg ErrorTrackerConfig

	mu     sync.Mutex
	groups map[string]*Group
}

// NewErrorTracker creates an empty tracker.
func NewErrorTracker(cfg ErrorTrackerConfig) *ErrorTracker {
	return &ErrorTracker{cfg: cfg, groups: make(map[string]*Group)}
}

// Record adds one occurrence of err to its composite-key group,
// capturing the immediate caller's file:line as the error's origin.
func (t *ErrorTracker) Record(err error) { t.record(err, "") }

// RecordWithKind adds one occurrence of err, grouped with kind as the
// error_kind dimension of the composite key (spec.md §4.9).
func (t *ErrorTracker) RecordWithKind(err error, kind string) { t.record(err, kind) }

func (t *ErrorTracker) record(err error, kind string) {
	if err == nil {
		return
	}
	location := ""
	if t.cfg.IncludeLocation {
		location = callerLocation(3)
	}
	message := ""
	if t.cfg.IncludeMessage {
		message = GenericMessage(err.Error())
	}
	if !t.cfg.IncludeKind {
		kind = ""
	}

	key := location + "|" + kind + "|" + message

	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[key]
	if !ok {
		g = &Group{Location: location, Kind: kind, Message: message, Sample: err.Error()}
		t.groups[key] = g
	}
	g.Count++
}

// callerLocation walks up skip frames from its own caller and returns
// "file:line" for that frame.
func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Groups returns all groups sorted by descending count, most frequent
// first, ties broken by key for determinism.
func (t *ErrorTracker) Groups() []Group {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Location+out[i].Kind+out[i].Message < out[j].Location+out[j].Kind+out[j].Message
	})
	return out
}

// Total returns the number of distinct groups currently tracked.
func (t *ErrorTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}
