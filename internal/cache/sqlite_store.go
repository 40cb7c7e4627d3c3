package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "generations.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation_id INTEGER NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
	key           TEXT    NOT NULL,
	status        INTEGER NOT NULL,
	header        TEXT    NOT NULL,
	body          BLOB    NOT NULL,
	stored_at     INTEGER NOT NULL,
	PRIMARY KEY (generation_id, key)
);
CREATE INDEX IF NOT EXISTS entries_key ON entries(key);
`

// NewSQLiteStore 打开（必要时创建）basePath/generations.db，并应用 WAL、
// busy_timeout、foreign_keys 等 pragma。
func NewSQLiteStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return openSQLite(filepath.Join(basePath, SQLiteFileName))
}

func openSQLite(dbPath string) (*sqliteStore, error) {
	dsn := "file:" + dbPath +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接即可满足单站点的写入量，同时避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStore{db: db, now: time.Now}, nil
}

type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

type sqliteGeneration struct {
	store *sqliteStore
	name  string
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := s.ensureGeneration(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteGeneration{store: s, name: name}, nil
}

func (s *sqliteStore) Match(ctx context.Context, key string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT e.key, e.status, e.header, e.body, e.stored_at
FROM entries e JOIN generations g ON g.id = e.generation_id
WHERE e.key = ?
ORDER BY g.id
LIMIT 1`, key)
	return scanSnapshot(row)
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY id`)
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

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE generation_id IN (SELECT id FROM generations WHERE name = ?)`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) ensureGeneration(ctx context.Context, db execer, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("generation name required")
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, s.now().UTC().UnixNano())
	return err
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(ctx context.Context, key string) (*Snapshot, error) {
	row := g.store.db.QueryRowContext(ctx, `
SELECT e.key, e.status, e.header, e.body, e.stored_at
FROM entries e JOIN generations g ON g.id = e.generation_id
WHERE g.name = ? AND e.key = ?`, g.name, key)
	return scanSnapshot(row)
}

func (g *sqliteGeneration) Put(ctx context.Context, snapshot Snapshot) error {
	return g.PutAll(ctx, []Snapshot{snapshot})
}

func (g *sqliteGeneration) PutAll(ctx context.Context, snapshots []Snapshot) error {
	tx, err := g.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := g.store.ensureGeneration(ctx, tx, g.name); err != nil {
		return err
	}
	for _, snapshot := range snapshots {
		if snapshot.Key == "" {
			return errors.New("snapshot key required")
		}
		header, err := json.Marshal(snapshot.Header)
		if err != nil {
			return err
		}
		storedAt := snapshot.StoredAt
		if storedAt.IsZero() {
			storedAt = g.store.now().UTC()
		}
		body := snapshot.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO entries (generation_id, key, status, header, body, stored_at)
SELECT id, ?, ?, ?, ?, ? FROM generations WHERE name = ?
ON CONFLICT(generation_id, key) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	stored_at = excluded.stored_at`,
			snapshot.Key, snapshot.Status, string(header), body, storedAt.UnixNano(), g.name); err != nil {
			return fmt.Errorf("put %s: %w", snapshot.Key, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snapshot Snapshot
		header   string
		storedAt int64
	)
	if err := row.Scan(&snapshot.Key, &snapshot.Status, &header, &snapshot.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(header), &snapshot.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if snapshot.Header == nil {
		snapshot.Header = http.Header{}
	}
	snapshot.StoredAt = time.Unix(0, storedAt).UTC()
	return &snapshot, nil
}
