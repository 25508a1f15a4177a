// Package sqlitestore is the default backing engine for catalog.Backend,
// using the embedded, pure-Go ncruces/go-sqlite3 driver — the same
// no-server, no-cgo shape the teacher's sqlite storage backend uses for
// its own embedded database.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store opens one SQLite file and exposes the catalog.Backend contract
// over it. Each logical table (stables, ctables) gets its own SQL table
// named after catalog.Descriptor.Name, all sharing this one connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer: catalog mutation is already key-serialized above us
	return &Store{db: db}, nil
}

func (s *Store) Open(table string) error {
	_, err := s.db.ExecContext(context.Background(), fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`, quoteIdent(table)))
	return wrapDBError("open table "+table, err)
}

func (s *Store) Put(table, key string, value []byte) error {
	_, err := s.db.ExecContext(context.Background(), fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, quoteIdent(table)),
		key, value)
	return wrapDBError("put "+table+"/"+key, err)
}

func (s *Store) Delete(table, key string) error {
	_, err := s.db.ExecContext(context.Background(), fmt.Sprintf(
		`DELETE FROM %s WHERE key = ?`, quoteIdent(table)), key)
	return wrapDBError("delete "+table+"/"+key, err)
}

func (s *Store) Iterate(table string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(context.Background(), fmt.Sprintf(
		`SELECT key, value FROM %s ORDER BY rowid`, quoteIdent(table)))
	if err != nil {
		return wrapDBError("iterate "+table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return wrapDBError("scan "+table, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return wrapDBError("iterate rows "+table, rows.Err())
}

func (s *Store) Close(table string) error {
	return nil // the underlying *sql.DB is shared; see Store.CloseAll
}

// CloseAll closes the underlying database connection once every logical
// table sharing this Store has been released.
func (s *Store) CloseAll() error {
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sqlitestore: %s: %w", op, err)
}
