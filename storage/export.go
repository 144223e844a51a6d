package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
)

// exportItems renders items as either "json" (a JSON array, the
// default) or "csv" (header row from the union of keys seen, sorted
// for determinism), matching Dataset.Export's two formats (spec.md §6).
func exportItems(items []map[string]any, format string) ([]byte, error) {
	switch format {
	case "", "json":
		return json.Marshal(items)
	case "csv":
		return exportCSV(items)
	default:
		return nil, fmt.Errorf("storage: export: unsupported format %q", format)
	}
}

func exportCSV(items []map[string]any) ([]byte, error) {
	keys := make(map[string]struct{})
	for _, item := range items {
		for k := range item {
			keys[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(keys))
	for k := range keys {
		header = append(header, k)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("storage: export csv header: %w", err)
	}
	for _, item := range items {
		row := make([]string, len(header))
		for i, k := range header {
			if v, ok := item[k]; ok {
				row[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("storage: export csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("storage: export csv flush: %w", err)
	}
	return buf.Bytes(), nil
}
