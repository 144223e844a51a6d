// Package storage implements the concrete Dataset and KeyValueStore
// collaborators (spec.md §6, SPEC_FULL §4.11 C13): a process-local,
// mutex-guarded default, and a database/sql + MySQL-driver backed one.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/fetchkit/crawlkit/collaborator"
)

// MemoryDataset is an in-process, order-preserving Dataset
// implementation, the default used by tests and small crawls. It
// mirrors server/query_cache.go's single-mutex-guarded map shape, here
// over an append-only slice instead of an LRU map.
type MemoryDataset struct {
	mu    sync.Mutex
	items []map[string]any
}

// NewMemoryDataset creates an empty in-process Dataset.
func NewMemoryDataset() *MemoryDataset { return &MemoryDataset{} }

func (d *MemoryDataset) PushData(ctx context.Context, items ...map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, items...)
	return nil
}

func (d *MemoryDataset) GetData(ctx context.Context, offset, limit int, desc bool) (collaborator.DatasetPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := d.items
	if desc {
		all = reversed(all)
	}

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page := make([]map[string]any, end-offset)
	copy(page, all[offset:end])
	return collaborator.DatasetPage{Items: page, Offset: offset, Limit: limit, Total: total}, nil
}

func (d *MemoryDataset) Export(ctx context.Context, format string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return exportItems(d.items, format)
}

// Drop removes every item, the in-process equivalent of spec.md §6's
// "purge_on_start" for the default dataset.
func (d *MemoryDataset) Drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = nil
}

func reversed(in []map[string]any) []map[string]any {
	out := make([]map[string]any, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// MemoryKeyValueStore is an in-process KeyValueStore, used for session
// pool/statistics persistence in tests and small crawls.
type MemoryKeyValueStore struct {
	mu     sync.Mutex
	values map[string]storedValue
}

type storedValue struct {
	data        []byte
	contentType string
}

// NewMemoryKeyValueStore creates an empty in-process KeyValueStore.
func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{values: make(map[string]storedValue)}
}

func (s *MemoryKeyValueStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v.data...), true, nil
}

func (s *MemoryKeyValueStore) Set(ctx context.Context, key string, value []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = storedValue{data: append([]byte(nil), value...), contentType: contentType}
	return nil
}

func (s *MemoryKeyValueStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Drop removes every stored key, the in-process equivalent of
// spec.md §6's "purge_on_start" for the default key-value store.
func (s *MemoryKeyValueStore) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]storedValue)
}

func (s *MemoryKeyValueStore) IterateKeys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
