package session

import (
	"encoding/json"
	"time"
)

// persistedCookie and persistedSession mirror the JSON document shape
// required by spec.md §6: "cookies serialized as a list of cookie
// records with name, value, domain, path, expires, http_only, secure,
// same_site".
type persistedCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"same_site"`
}

type persistedSession struct {
	ID                  string                       `json:"id"`
	Cookies             map[string][]persistedCookie `json:"cookies"`
	UserData            map[string]any               `json:"user_data"`
	CreatedAt           time.Time                    `json:"created_at"`
	MaxAge              time.Duration                `json:"max_age"`
	UsageCount          int                           `json:"usage_count"`
	MaxUsageCount       int                           `json:"max_usage_count"`
	ErrorScore          float64                       `json:"error_score"`
	MaxErrorScore       float64                       `json:"max_error_score"`
	ErrorScoreDecrement float64                       `json:"error_score_decrement"`
	BlockedStatusCodes  []int                         `json:"blocked_status_codes"`
}

type persistedPool struct {
	Sessions []persistedSession `json:"sessions"`
}

// Dump serializes the pool's usable sessions to the JSON document format
// described in spec.md §6, for best-effort persistence to a key-value
// collaborator.
func (p *Pool) Dump() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := persistedPool{}
	for n := p.head; n != nil; n = n.next {
		s := n.session
		s.mu.Lock()
		ps := persistedSession{
			ID:                  s.ID,
			UserData:            s.UserData,
			CreatedAt:           s.CreatedAt,
			MaxAge:              s.MaxAge,
			UsageCount:          s.UsageCount,
			MaxUsageCount:       s.MaxUsageCount,
			ErrorScore:          s.ErrorScore,
			MaxErrorScore:       s.MaxErrorScore,
			ErrorScoreDecrement: s.ErrorScoreDecrement,
		}
		ps.Cookies = make(map[string][]persistedCookie, len(s.Cookies))
		for domain, cookies := range s.Cookies {
			pcs := make([]persistedCookie, len(cookies))
			for i, c := range cookies {
				pcs[i] = persistedCookie{
					Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
					Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure, SameSite: c.SameSite,
				}
			}
			ps.Cookies[domain] = pcs
		}
		for code := range s.BlockedStatusCodes {
			ps.BlockedStatusCodes = append(ps.BlockedStatusCodes, code)
		}
		s.mu.Unlock()
		doc.Sessions = append(doc.Sessions, ps)
	}
	return json.Marshal(doc)
}

// Restore replaces the pool's contents with the sessions encoded in
// data, as produced by Dump.
func (p *Pool) Restore(data []byte) error {
	var doc persistedPool
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.byID = make(map[string]*node)
	p.head, p.tail = nil, nil
	p.numNodes = 0

	for _, ps := range doc.Sessions {
		s := &Session{
			ID:                  ps.ID,
			Cookies:             make(map[string][]Cookie),
			UserData:            ps.UserData,
			CreatedAt:           ps.CreatedAt,
			MaxAge:              ps.MaxAge,
			UsageCount:          ps.UsageCount,
			MaxUsageCount:       ps.MaxUsageCount,
			ErrorScore:          ps.ErrorScore,
			MaxErrorScore:       ps.MaxErrorScore,
			ErrorScoreDecrement: ps.ErrorScoreDecrement,
			BlockedStatusCodes:  make(map[int]bool, len(ps.BlockedStatusCodes)),
		}
		if s.UserData == nil {
			s.UserData = make(map[string]any)
		}
		for domain, pcs := range ps.Cookies {
			cookies := make([]Cookie, len(pcs))
			for i, c := range pcs {
				cookies[i] = Cookie{
					Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
					Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure, SameSite: c.SameSite,
				}
			}
			s.Cookies[domain] = cookies
		}
		for _, code := range ps.BlockedStatusCodes {
			s.BlockedStatusCodes[code] = true
		}

		n := &node{session: s}
		p.addFrontLocked(n)
		p.byID[s.ID] = n
	}
	return nil
}
