package queue

import (
	"encoding/json"

	"github.com/fetchkit/crawlkit/request"
)

// Metadata mirrors the persisted metadata file spec.md §6 requires
// alongside per-request records.
type Metadata struct {
	HadMultipleClients   bool `json:"had_multiple_clients"`
	HandledRequestCount  int  `json:"handled_request_count"`
	PendingRequestCount  int  `json:"pending_request_count"`
	TotalRequestCount    int  `json:"total_request_count"`
}

type persistedEntry struct {
	Request   *request.Request `json:"request"`
	Status    Status           `json:"status"`
	Forefront bool             `json:"forefront"`
}

type persistedQueue struct {
	Entries  []persistedEntry `json:"entries"`
	Metadata Metadata         `json:"metadata"`
}

// Dump serializes the queue's three partitions and the front/back split
// by key, best-effort (spec.md §4.5, §6).
func (q *Queue) Dump() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	doc := persistedQueue{}
	for e := q.front.head; e != nil; e = e.next {
		doc.Entries = append(doc.Entries, persistedEntry{Request: e.req, Status: e.status, Forefront: true})
	}
	for e := q.back.head; e != nil; e = e.next {
		doc.Entries = append(doc.Entries, persistedEntry{Request: e.req, Status: e.status, Forefront: false})
	}
	for _, r := range q.inProgKey {
		doc.Entries = append(doc.Entries, persistedEntry{Request: r, Status: StatusInProgress})
	}
	for _, e := range q.byKey {
		if e.status == StatusHandled {
			doc.Entries = append(doc.Entries, persistedEntry{Request: e.req, Status: StatusHandled})
		}
	}
	doc.Metadata = Metadata{
		HandledRequestCount: len(q.handled),
		PendingRequestCount: q.front.size + q.back.size,
		TotalRequestCount:   len(q.byKey),
	}
	return json.Marshal(doc)
}

// Restore replaces the queue's contents with the state encoded in data,
// as produced by Dump. Handled requests are restored into the handled
// set but not placed in either deque.
func (q *Queue) Restore(data []byte) error {
	var doc persistedQueue
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.byKey = make(map[string]*entry)
	q.inProgKey = make(map[string]*request.Request)
	q.handled = make(map[string]bool)
	q.front, q.back = deque{}, deque{}

	for _, pe := range doc.Entries {
		e := &entry{req: pe.Request, status: pe.Status}
		q.byKey[pe.Request.UniqueKey] = e
		switch pe.Status {
		case StatusHandled:
			q.handled[pe.Request.UniqueKey] = true
		case StatusInProgress:
			q.inProgKey[pe.Request.UniqueKey] = pe.Request
		default:
			if pe.Forefront {
				q.front.pushBack(e)
			} else {
				q.back.pushBack(e)
			}
		}
	}
	return nil
}
