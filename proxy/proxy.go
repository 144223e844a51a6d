// Package proxy implements the tiered Proxy Coordinator (spec.md §3,
// §4.4).
//
// The per-(session,domain) tier counter is kept in a map+mutex the same
// shape as server/rate_limiter.go's per-client TokenBucket map: one
// small guarded struct per key, created lazily on first use, instead of
// one lock for the whole coordinator.
package proxy

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Info describes a single proxy endpoint (spec.md §3).
type Info struct {
	Scheme   string
	Hostname string
	Port     string
	Username string
	Password string
	Tier     int
}

// URL derives the proxy's dial URL. An empty Hostname denotes the
// "no proxy" sentinel used to pad a tier (spec.md §3).
func (i Info) URL() string {
	if i.Hostname == "" {
		return ""
	}
	u := url.URL{Scheme: i.Scheme, Host: i.Hostname}
	if i.Port != "" {
		u.Host = i.Hostname + ":" + i.Port
	}
	if i.Username != "" {
		if i.Password != "" {
			u.User = url.UserPassword(i.Username, i.Password)
		} else {
			u.User = url.User(i.Username)
		}
	}
	return u.String()
}

// Tier is a bucket of proxies of similar quality (spec.md GLOSSARY).
type Tier []Info

// tierState tracks round-robin position and consecutive-success count
// for one (session, domain) pair at its current tier.
type tierState struct {
	mu            sync.Mutex
	currentTier   int
	roundRobin    map[int]int // tier index -> next proxy index within that tier
	consecutiveOK int

	// stickyInfo/stickyTier cache the last proxy handed out for this
	// key so a bound session keeps the same IP across calls as long as
	// the tier hasn't moved (spec.md §4.4 sticky bindings).
	stickyInfo *Info
	stickyTier int
}

// Config bounds how eagerly the coordinator escalates/de-escalates
// tiers.
type Config struct {
	// SuccessesToDeescalate is how many consecutive successful uses at
	// the current tier are required before dropping back a tier.
	SuccessesToDeescalate int
}

func DefaultConfig() Config {
	return Config{SuccessesToDeescalate: 10}
}

// Coordinator selects a proxy per (session, request), escalating tiers
// on failure and de-escalating after a run of successes (spec.md §4.4).
type Coordinator struct {
	tiers []Tier
	cfg   Config

	mu     sync.Mutex
	states map[string]*tierState // key: sessionID + "|" + domain
}

// NewCoordinator builds a tiered Coordinator. tiers[0] is the lowest
// (least suspicious) tier.
func NewCoordinator(tiers []Tier, cfg Config) *Coordinator {
	if cfg.SuccessesToDeescalate <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		tiers:  tiers,
		cfg:    cfg,
		states: make(map[string]*tierState),
	}
}

func stateKey(sessionID, domain string) string { return sessionID + "|" + domain }

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

// Select returns the proxy for sessionID's next request to rawURL. If
// sessionID already has a sticky proxy bound (spec.md §4.4: "sticky
// bindings"), that proxy is reused as long as the tier it was bound in
// is still the current tier, preserving IP-session affinity; once the
// tier moves, a proxy from the new tier is selected and bound instead.
func (c *Coordinator) Select(sessionID, rawURL string) (Info, error) {
	if len(c.tiers) == 0 {
		return Info{}, nil
	}

	c.mu.Lock()
	domain := domainOf(rawURL)
	key := stateKey(sessionID, domain)
	st, ok := c.states[key]
	if !ok {
		st = &tierState{roundRobin: make(map[int]int)}
		c.states[key] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	tierIdx := st.currentTier
	if tierIdx >= len(c.tiers) {
		tierIdx = len(c.tiers) - 1
	}

	// Sticky binding: a session keeps its previously assigned proxy as
	// long as the tier it was assigned in hasn't drifted.
	if sessionID != "" && st.stickyInfo != nil && st.stickyTier == tierIdx {
		return *st.stickyInfo, nil
	}

	tier := c.tiers[tierIdx]
	if len(tier) == 0 {
		return Info{}, fmt.Errorf("proxy: tier %d is empty", tierIdx)
	}

	idx := st.roundRobin[tierIdx] % len(tier)
	st.roundRobin[tierIdx] = (idx + 1) % len(tier)

	selected := tier[idx]
	selected.Tier = tierIdx

	if sessionID != "" {
		st.stickyInfo = &selected
		st.stickyTier = tierIdx
	}
	return selected, nil
}

// ReportFailure escalates the tier for (sessionID, rawURL) after a
// failure attributable to the proxy (connection error, 407, or 429
// classified as a proxy block), capped at the highest configured tier.
func (c *Coordinator) ReportFailure(sessionID, rawURL string) {
	domain := domainOf(rawURL)
	c.mu.Lock()
	key := stateKey(sessionID, domain)
	st, ok := c.states[key]
	if !ok {
		st = &tierState{roundRobin: make(map[int]int)}
		c.states[key] = st
	}
	c.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveOK = 0
	if st.currentTier < len(c.tiers)-1 {
		st.currentTier++
	}
}

// ReportSuccess records a successful use; after
// Config.SuccessesToDeescalate consecutive successes the tier is
// dropped by one.
func (c *Coordinator) ReportSuccess(sessionID, rawURL string) {
	domain := domainOf(rawURL)
	c.mu.Lock()
	st, ok := c.states[stateKey(sessionID, domain)]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveOK++
	if st.consecutiveOK >= c.cfg.SuccessesToDeescalate && st.currentTier > 0 {
		st.currentTier--
		st.consecutiveOK = 0
	}
}

// CurrentTier returns the tier currently assigned to (sessionID, domain),
// or 0 if no state exists yet.
func (c *Coordinator) CurrentTier(sessionID, rawURL string) int {
	domain := domainOf(rawURL)
	c.mu.Lock()
	st, ok := c.states[stateKey(sessionID, domain)]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.currentTier
}
