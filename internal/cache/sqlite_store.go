package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteFileName = "cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	partition TEXT NOT NULL,
	key       TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	bytes     BLOB NOT NULL,
	PRIMARY KEY (partition, key)
);
CREATE INDEX IF NOT EXISTS entries_partition_idx ON entries (partition);
`

// NewSQLiteStorage 在 basePath 下打开（或创建）cache.db。
func NewSQLiteStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, sqliteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接避免 SQLITE_BUSY，写入本身是串行的
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB

	mu        sync.Mutex
	lastStamp int64
}

type sqlitePartition struct {
	db   *sql.DB
	name string
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, s.nextStamp())
	if err != nil {
		return nil, err
	}
	return &sqlitePartition{db: s.db, name: name}, nil
}

func (s *sqliteStore) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Match(ctx context.Context, key Key) (*Response, error) {
	return matchAll(ctx, s, key)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key Key) (*Response, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, key.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, resp, err := decodeEntry(raw)
	return resp, err
}

func (p *sqlitePartition) Put(ctx context.Context, key Key, resp *Response) error {
	return p.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (p *sqlitePartition) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	payloads := make([][]byte, len(entries))
	for i, entry := range entries {
		if err := validateEntry(entry.Key, entry.Response); err != nil {
			return err
		}
		payload, err := encodeEntry(entry.Key, entry.Response)
		if err != nil {
			return err
		}
		payloads[i] = payload
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for i, entry := range entries {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			p.name, entry.Key.String(), now, payloads[i])
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]Key, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT key FROM entries WHERE partition = ?", p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		key, err := ParseKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
