package storage

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMemoryDatasetPushAndPage(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDataset()

	if err := ds.PushData(ctx, map[string]any{"url": "http://h/a"}, map[string]any{"url": "http://h/b"}); err != nil {
		t.Fatalf("push_data: %v", err)
	}

	page, err := ds.GetData(ctx, 0, 1, false)
	if err != nil {
		t.Fatalf("get_data: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected total 2, got %d", page.Total)
	}
	if len(page.Items) != 1 || page.Items[0]["url"] != "http://h/a" {
		t.Fatalf("unexpected first page: %+v", page.Items)
	}

	descPage, err := ds.GetData(ctx, 0, 1, true)
	if err != nil {
		t.Fatalf("get_data desc: %v", err)
	}
	if len(descPage.Items) != 1 || descPage.Items[0]["url"] != "http://h/b" {
		t.Fatalf("unexpected desc page: %+v", descPage.Items)
	}
}

func TestMemoryDatasetExportJSON(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDataset()
	_ = ds.PushData(ctx, map[string]any{"url": "http://h/a"})

	raw, err := ds.Export(ctx, "json")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(items) != 1 || items[0]["url"] != "http://h/a" {
		t.Fatalf("unexpected exported items: %+v", items)
	}
}

func TestMemoryDatasetExportCSV(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDataset()
	_ = ds.PushData(ctx, map[string]any{"url": "http://h/a", "title": "A"})

	raw, err := ds.Export(ctx, "csv")
	if err != nil {
		t.Fatalf("export csv: %v", err)
	}
	got := string(raw)
	if got == "" {
		t.Fatalf("expected non-empty csv")
	}
}

func TestMemoryDatasetExportUnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDataset()
	if _, err := ds.Export(ctx, "xml"); err == nil {
		t.Fatalf("expected error for unsupported export format")
	}
}

func TestMemoryKeyValueStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKeyValueStore()

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key to be absent, ok=%v err=%v", ok, err)
	}

	if err := kv.Set(ctx, "a", []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := kv.Get(ctx, "a")
	if err != nil || !ok || string(v) != "hello" {
		t.Fatalf("unexpected get result: v=%s ok=%v err=%v", v, ok, err)
	}

	if err := kv.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "a"); ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestMemoryKeyValueStoreIterateKeysSorted(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKeyValueStore()
	_ = kv.Set(ctx, "b", []byte("2"), "")
	_ = kv.Set(ctx, "a", []byte("1"), "")

	keys, err := kv.IterateKeys(ctx)
	if err != nil {
		t.Fatalf("iterate_keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("expected sorted [a b], got %v", keys)
	}
}
