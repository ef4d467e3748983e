package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dialect holds the statements one SQL engine needs.
type dialect struct {
	name    string
	migrate string
	upsert  string
	load    string
	delete  string
	list    string
}

var sqliteDialect = dialect{
	name: "sqlite",
	migrate: `
	CREATE TABLE IF NOT EXISTS aura_kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`,
	upsert: "INSERT INTO aura_kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
	load:   "SELECT value FROM aura_kv WHERE key = ?",
	delete: "DELETE FROM aura_kv WHERE key = ?",
	list:   "SELECT key FROM aura_kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key",
}

var postgresDialect = dialect{
	name: "postgres",
	migrate: `
	CREATE TABLE IF NOT EXISTS aura_kv (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	);`,
	upsert: "INSERT INTO aura_kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
	load:   "SELECT value FROM aura_kv WHERE key = $1",
	delete: "DELETE FROM aura_kv WHERE key = $1",
	list:   "SELECT key FROM aura_kv WHERE substr(key, 1, length($1)) = $1 ORDER BY key",
}

// SQL is a Store over one key/value table in SQLite or PostgreSQL.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, backendErr("store.sqlite.open", err, "open %s", path)
	}
	// Each :memory: connection is a separate database.
	db.SetMaxOpenConns(1)
	return newSQL(ctx, db, sqliteDialect)
}

// OpenPostgres connects with a lib/pq connection string.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, backendErr("store.postgres.open", err, "open")
	}
	return newSQL(ctx, db, postgresDialect)
}

// NewPostgres wraps an existing handle and ensures the table exists.
func NewPostgres(ctx context.Context, db *sql.DB) (*SQL, error) {
	return newSQL(ctx, db, postgresDialect)
}

func newSQL(ctx context.Context, db *sql.DB, d dialect) (*SQL, error) {
	s := &SQL{db: db, dialect: d}
	if _, err := db.ExecContext(ctx, d.migrate); err != nil {
		_ = db.Close()
		return nil, backendErr("store."+d.name+".migrate", err, "create table")
	}
	return s, nil
}

func (s *SQL) op(name string) string { return fmt.Sprintf("store.%s.%s", s.dialect.name, name) }

func (s *SQL) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey(s.op("store"), key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, key, value); err != nil {
		return backendErr(s.op("store"), err, "persist %q", key)
	}
	return nil
}

func (s *SQL) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.dialect.load, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(s.op("load"), key)
	}
	if err != nil {
		return nil, backendErr(s.op("load"), err, "load %q", key)
	}
	return value, nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.delete, key); err != nil {
		return backendErr(s.op("delete"), err, "delete %q", key)
	}
	return nil
}

func (s *SQL) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.list, prefix)
	if err != nil {
		return nil, backendErr(s.op("list"), err, "list %q", prefix)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, backendErr(s.op("list"), err, "scan key")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr(s.op("list"), err, "iterate keys")
	}
	return keys, nil
}

func (s *SQL) Close() error { return s.db.Close() }
