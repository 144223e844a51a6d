// Package request defines the crawler's Request value type and its
// identity rules (spec.md §3).
//
// Request is the nearest sibling of the teacher's RPCRequest
// (server/types.go): a small, JSON-friendly record describing one unit of
// work. Where RPCRequest carries a SQL/function/command payload bound for
// one device, Request carries an HTTP-shaped payload bound for one queue
// entry, with the extra bookkeeping fields (retry_count, state,
// session_id, ...) spec.md's data model requires.
package request

import (
	"hash/fnv"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// State is the request's position in the Request Queue's lifecycle
// (spec.md §3).
type State int

const (
	StateUnprocessed State = iota
	StateRequested
	StateInProgress
	StateHandled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnprocessed:
		return "unprocessed"
	case StateRequested:
		return "requested"
	case StateInProgress:
		return "in-progress"
	case StateHandled:
		return "handled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Headers is a case-insensitive header map, mirroring the shape of
// net/http.Header but kept local so the core does not depend on any
// particular transport (spec.md §6: transports are external collaborators).
type Headers map[string][]string

// Set stores value under the canonical form of key, replacing any
// existing values.
func (h Headers) Set(key, value string) { h[canonicalHeader(key)] = []string{value} }

// Add appends value under the canonical form of key.
func (h Headers) Add(key, value string) {
	k := canonicalHeader(key)
	h[k] = append(h[k], value)
}

// Get returns the first value stored under key, or "" if absent.
func (h Headers) Get(key string) string {
	v := h[canonicalHeader(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func canonicalHeader(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Request is one unit of crawling work. UniqueKey is its identity: two
// requests with the same UniqueKey are the same request (spec.md §3).
type Request struct {
	UniqueKey string
	URL       string
	Method    string
	Headers   Headers
	Payload   []byte
	UserData  map[string]any

	RetryCount int
	NoRetry    bool
	SessionID  string
	MaxRetries int // 0 means "use the crawler-wide default"

	State     State
	LoadedURL string // final URL after redirects, set once handled
}

// Label returns UserData["label"] as a string, or "" if unset. This is
// the field router.Router dispatches on (spec.md §4.8).
func (r *Request) Label() string {
	if r.UserData == nil {
		return ""
	}
	v, _ := r.UserData["label"].(string)
	return v
}

// Options configures New and the default-key computation.
type Options struct {
	// UseExtendedUniqueKey mixes a short hash of Payload into the
	// default key, for requests distinguished only by body (e.g.
	// POST forms to the same endpoint).
	UseExtendedUniqueKey bool
}

// New builds a Request with an empty Payload, computing its UniqueKey
// from method+url only, unless the caller overrides it afterward. A
// payload is mixed into the key only by DefaultUniqueKey called with
// that payload and opts.UseExtendedUniqueKey.
func New(method, rawURL string, opts Options) (*Request, error) {
	r := &Request{
		Method:   strings.ToUpper(method),
		URL:      rawURL,
		Headers:  Headers{},
		UserData: map[string]any{},
		State:    StateUnprocessed,
	}
	key, err := DefaultUniqueKey(r.Method, rawURL, nil, opts)
	if err != nil {
		return nil, err
	}
	r.UniqueKey = key
	return r, nil
}

// DefaultUniqueKey computes the canonical identity for (method, url),
// optionally mixing in payload. See spec.md §3:
//
//	lowercased scheme/host, trailing-slash stripped, query keys sorted
//	alphabetically, utm_* parameters removed, fragment dropped.
func DefaultUniqueKey(method, rawURL string, payload []byte, opts Options) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("request: invalid url %q: %w", rawURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(stripDefaultPort(u.Scheme, u.Host))
	u.Fragment = ""

	path := u.Path
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	u.Path = path

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = encodeSortedQuery(q)

	normalized := strings.ToUpper(method) + " " + u.String()

	if opts.UseExtendedUniqueKey && len(payload) > 0 {
		h := fnv.New64a()
		_, _ = h.Write(payload)
		normalized += "#" + fmt.Sprintf("%012x", h.Sum64())[:12]
	}
	return normalized, nil
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case strings.HasSuffix(host, ":80") && scheme == "http":
		return strings.TrimSuffix(host, ":80")
	case strings.HasSuffix(host, ":443") && scheme == "https":
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}

func encodeSortedQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := q[k]
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
