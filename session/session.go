// Package session implements the Session and bounded Session Pool
// (spec.md §3, §4.4).
//
// Session.markGood/markBad/retire and Pool's eviction bookkeeping are
// grounded on server/query_cache.go's QueryCache: that type keeps a
// map[string]*CacheEntry alongside an intrusive doubly-linked list so it
// can evict the least-recently-used entry in O(1) once MaxSize is
// exceeded. Pool reuses exactly that map+intrusive-list shape, but
// eviction is driven by "is this session retired/expired" rather than
// "is this the least recently used entry".
package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cookie mirrors the persisted cookie record shape from spec.md §6.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
	SameSite string
}

// Session is a bounded-lifetime identity (cookie jar + error score) the
// crawler rotates through to distribute load and recover from blocks
// (spec.md §3).
type Session struct {
	ID       string
	Cookies  map[string][]Cookie // keyed by domain
	UserData map[string]any

	CreatedAt time.Time
	MaxAge    time.Duration

	UsageCount    int
	MaxUsageCount int

	ErrorScore          float64
	MaxErrorScore       float64
	ErrorScoreDecrement float64

	BlockedStatusCodes map[int]bool

	retired bool
	mu      sync.Mutex
}

// Config configures a freshly minted Session.
type Config struct {
	MaxAge              time.Duration
	MaxUsageCount       int
	MaxErrorScore       float64
	ErrorScoreDecrement float64
	BlockedStatusCodes  []int
}

func DefaultConfig() Config {
	return Config{
		MaxAge:              50 * time.Minute,
		MaxUsageCount:       50,
		MaxErrorScore:       3,
		ErrorScoreDecrement: 0.5,
		BlockedStatusCodes:  []int{401, 403, 429},
	}
}

func newSession(cfg Config) *Session {
	blocked := make(map[int]bool, len(cfg.BlockedStatusCodes))
	for _, c := range cfg.BlockedStatusCodes {
		blocked[c] = true
	}
	return &Session{
		ID:                  uuid.NewString(),
		Cookies:             make(map[string][]Cookie),
		UserData:            make(map[string]any),
		CreatedAt:           time.Now(),
		MaxAge:              cfg.MaxAge,
		MaxUsageCount:       cfg.MaxUsageCount,
		MaxErrorScore:       cfg.MaxErrorScore,
		ErrorScoreDecrement: cfg.ErrorScoreDecrement,
		BlockedStatusCodes:  blocked,
	}
}

// IsUsable reports whether the session may still be handed out: not
// expired, not over its usage cap, and its error score below the max.
func (s *Session) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUsableLocked()
}

func (s *Session) isUsableLocked() bool {
	if s.retired {
		return false
	}
	if s.MaxAge > 0 && time.Since(s.CreatedAt) > s.MaxAge {
		return false
	}
	if s.MaxUsageCount > 0 && s.UsageCount >= s.MaxUsageCount {
		return false
	}
	if s.ErrorScore >= s.MaxErrorScore {
		return false
	}
	return true
}

// IsBlocked reports whether the session has reached a terminal
// condition (spec.md §3: "blocked").
func (s *Session) IsBlocked() bool { return !s.IsUsable() }

// MarkGood records a successful use: decrements the error score (floor
// 0) and increments the usage count.
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorScore -= s.ErrorScoreDecrement
	if s.ErrorScore < 0 {
		s.ErrorScore = 0
	}
	s.UsageCount++
}

// MarkBad records a failed use attributable to this session.
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorScore++
}

// Retire jumps the error score to its max, permanently blocking the
// session.
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorScore = s.MaxErrorScore
	s.retired = true
}

// IsBlockedStatusCode reports whether code is configured as a session
// error, which makes the driver retire the session (spec.md §4.10: "status in session.blocked_status_codes").
func (s *Session) IsBlockedStatusCode(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.BlockedStatusCodes[code]
}

// SetCookies replaces the cookie jar entries for domain.
func (s *Session) SetCookies(domain string, cookies []Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cookies[domain] = cookies
}

// CookiesFor returns the cookies stored for domain.
func (s *Session) CookiesFor(domain string) []Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Cookie(nil), s.Cookies[domain]...)
}

// node is the intrusive-list element wrapping a Session, mirroring
// CacheEntry's prev/next fields in server/query_cache.go.
type node struct {
	session *Session
	prev    *node
	next    *node
}

// Pool is a bounded set of Sessions indexed by ID (spec.md §4.4).
type Pool struct {
	cfg         Config
	maxPoolSize int

	mu       sync.Mutex
	byID     map[string]*node
	head     *node // most recently minted/touched
	tail     *node // candidate for eviction first
	numNodes int

	stats Stats
}

// Stats reports pool-level counters for monitoring.
type Stats struct {
	Created  int64
	Retired  int64
	Reused   int64
	Replaced int64
}

// NewPool creates a bounded Session Pool. maxPoolSize <= 0 means
// unbounded.
func NewPool(maxPoolSize int, cfg Config) *Pool {
	return &Pool{
		cfg:         cfg,
		maxPoolSize: maxPoolSize,
		byID:        make(map[string]*node),
	}
}

// GetSession returns a usable session: a fresh one if the pool has
// capacity, otherwise a uniformly-random usable existing session,
// retiring and replacing any session found to be no longer usable along
// the way (spec.md §4.4).
func (p *Pool) GetSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictUnusableLocked()

	if p.maxPoolSize <= 0 || p.numNodes < p.maxPoolSize {
		return p.mintLocked()
	}

	usable := p.usableSessionsLocked()
	if len(usable) == 0 {
		return p.mintLocked()
	}
	chosen := usable[rand.Intn(len(usable))]
	p.touchLocked(p.byID[chosen.ID])
	return chosen
}

// GetSessionByID returns the exact session bound to id, or nil if it is
// absent or no longer usable (the caller is expected to raise a request
// collision error per spec.md §4.4 in that case).
func (p *Pool) GetSessionByID(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.byID[id]
	if !ok || !n.session.IsUsable() {
		return nil
	}
	p.touchLocked(n)
	return n.session
}

// Retire marks s retired and evicts it from the pool immediately. No
// replacement is minted here; a later GetSession mints one once the
// pool is below capacity.
func (p *Pool) Retire(s *Session) {
	s.Retire()
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.byID[s.ID]; ok {
		p.removeLocked(n)
		p.stats.Retired++
	}
}

// Size returns the current number of sessions held by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numNodes
}

// GetStats returns a snapshot copy of the pool's counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pool) mintLocked() *Session {
	s := newSession(p.cfg)
	n := &node{session: s}
	p.addFrontLocked(n)
	p.byID[s.ID] = n
	p.stats.Created++
	return s
}

func (p *Pool) usableSessionsLocked() []*Session {
	out := make([]*Session, 0, p.numNodes)
	for n := p.head; n != nil; n = n.next {
		if n.session.IsUsable() {
			out = append(out, n.session)
		}
	}
	return out
}

// evictUnusableLocked sweeps the pool removing sessions that have
// become unusable (expired, over usage cap, or retired), the same way
// QueryCache.cleanupExpired sweeps entries whose TTL has elapsed.
func (p *Pool) evictUnusableLocked() {
	n := p.head
	for n != nil {
		next := n.next
		if !n.session.IsUsable() {
			p.removeLocked(n)
			p.stats.Replaced++
		}
		n = next
	}
}

func (p *Pool) addFrontLocked(n *node) {
	if p.head == nil {
		p.head, p.tail = n, n
	} else {
		n.next = p.head
		p.head.prev = n
		p.head = n
	}
	p.numNodes++
}

func (p *Pool) removeLocked(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		p.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		p.tail = n.prev
	}
	n.prev, n.next = nil, nil
	delete(p.byID, n.session.ID)
	p.numNodes--
}

func (p *Pool) touchLocked(n *node) {
	p.stats.Reused++
	if n == p.head {
		return
	}
	p.removeFromListOnlyLocked(n)
	n.next = p.head
	if p.head != nil {
		p.head.prev = n
	}
	p.head = n
	if p.tail == nil {
		p.tail = n
	}
	p.numNodes++
}

// removeFromListOnlyLocked unlinks n from the list without touching
// byID; it decrements numNodes, which touchLocked re-increments when it
// re-adds n immediately after.
func (p *Pool) removeFromListOnlyLocked(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		p.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		p.tail = n.prev
	}
	n.prev, n.next = nil, nil
	p.numNodes--
}
