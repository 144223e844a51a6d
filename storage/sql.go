package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/fetchkit/crawlkit/collaborator"
)

// PoolConfig mirrors server/server.go's NewHandler pool tuning
// (MaxIdleConns/MaxOpenConns/ConnMaxLifetime) for the connection this
// package opens against the dataset/key-value tables.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig mirrors NewHandler's own defaultPool values.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxIdleConns: 10, MaxOpenConns: 20, ConnMaxLifetime: 3 * time.Minute}
}

func openPooled(dsn string, cfg PoolConfig) (*sql.DB, error) {
	if cfg.MaxIdleConns == 0 && cfg.MaxOpenConns == 0 && cfg.ConnMaxLifetime == 0 {
		cfg = DefaultPoolConfig()
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open mysql: %w", err)
	}
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// SQLDataset is a Dataset (spec.md §6) backed by a MySQL table of
// append-only JSON rows, for crawls that need results to outlive the
// process. It adapts server/server.go's NewHandler connection-pool
// setup from "one pooled connection per RPC handler" to "one pooled
// connection for dataset persistence".
type SQLDataset struct {
	db    *sql.DB
	table string
}

// NewSQLDataset opens a pooled MySQL connection and ensures table
// exists with the (id BIGINT AUTO_INCREMENT, item JSON, created_at)
// shape SQLDataset expects.
func NewSQLDataset(dsn, table string, cfg PoolConfig) (*SQLDataset, error) {
	db, err := openPooled(dsn, cfg)
	if err != nil {
		return nil, err
	}
	ds := &SQLDataset{db: db, table: table}
	if err := ds.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return ds, nil
}

func (d *SQLDataset) ensureSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			item JSON NOT NULL,
			created_at DATETIME(6) NOT NULL
		)`, d.table))
	if err != nil {
		return fmt.Errorf("storage: ensure dataset schema: %w", err)
	}
	return nil
}

func (d *SQLDataset) Close() error { return d.db.Close() }

func (d *SQLDataset) PushData(ctx context.Context, items ...map[string]any) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: push_data begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (item, created_at) VALUES (?, ?)", d.table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("storage: push_data prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: push_data marshal: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, raw, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: push_data exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: push_data commit: %w", err)
	}
	return nil
}

func (d *SQLDataset) GetData(ctx context.Context, offset, limit int, desc bool) (collaborator.DatasetPage, error) {
	var total int
	if err := d.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table)).Scan(&total); err != nil {
		return collaborator.DatasetPage{}, fmt.Errorf("storage: get_data count: %w", err)
	}

	order := "ASC"
	if desc {
		order = "DESC"
	}
	query := fmt.Sprintf("SELECT item FROM %s ORDER BY id %s", d.table, order)
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		query += " LIMIT 18446744073709551615 OFFSET ?"
		args = append(args, offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return collaborator.DatasetPage{}, fmt.Errorf("storage: get_data query: %w", err)
	}
	defer rows.Close()

	items := make([]map[string]any, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return collaborator.DatasetPage{}, fmt.Errorf("storage: get_data scan: %w", err)
		}
		item := make(map[string]any)
		if err := json.Unmarshal(raw, &item); err != nil {
			return collaborator.DatasetPage{}, fmt.Errorf("storage: get_data unmarshal: %w", err)
		}
		items = append(items, item)
	}
	return collaborator.DatasetPage{Items: items, Offset: offset, Limit: limit, Total: total}, rows.Err()
}

func (d *SQLDataset) Export(ctx context.Context, format string) ([]byte, error) {
	page, err := d.GetData(ctx, 0, 0, false)
	if err != nil {
		return nil, err
	}
	return exportItems(page.Items, format)
}

// SQLKeyValueStore is a KeyValueStore (spec.md §6) backed by a MySQL
// table, used to persist session-pool and statistics snapshots across
// restarts (spec.md §4.9, §6).
type SQLKeyValueStore struct {
	db    *sql.DB
	table string
}

// NewSQLKeyValueStore opens a pooled MySQL connection and ensures the
// (k VARCHAR PRIMARY KEY, v LONGBLOB, content_type) table exists.
func NewSQLKeyValueStore(dsn, table string, cfg PoolConfig) (*SQLKeyValueStore, error) {
	db, err := openPooled(dsn, cfg)
	if err != nil {
		return nil, err
	}
	kv := &SQLKeyValueStore{db: db, table: table}
	if err := kv.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return kv, nil
}

func (s *SQLKeyValueStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			k VARCHAR(512) PRIMARY KEY,
			v LONGBLOB NOT NULL,
			content_type VARCHAR(128) NOT NULL DEFAULT ''
		)`, s.table))
	if err != nil {
		return fmt.Errorf("storage: ensure kv schema: %w", err)
	}
	return nil
}

func (s *SQLKeyValueStore) Close() error { return s.db.Close() }

func (s *SQLKeyValueStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT v FROM %s WHERE k = ?", s.table), key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: kv get: %w", err)
	}
	return v, true, nil
}

func (s *SQLKeyValueStore) Set(ctx context.Context, key string, value []byte, contentType string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (k, v, content_type) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v), content_type = VALUES(content_type)",
		s.table), key, value, contentType)
	if err != nil {
		return fmt.Errorf("storage: kv set: %w", err)
	}
	return nil
}

func (s *SQLKeyValueStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k = ?", s.table), key)
	if err != nil {
		return fmt.Errorf("storage: kv delete: %w", err)
	}
	return nil
}

func (s *SQLKeyValueStore) IterateKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT k FROM %s ORDER BY k", s.table))
	if err != nil {
		return nil, fmt.Errorf("storage: kv iterate: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: kv iterate scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
