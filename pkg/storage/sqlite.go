// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/maestro-mcp/maestro/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store[fakeRecord] = (*SQLite[fakeRecord])(nil)

// tableNameRE restricts table names to safe identifiers since they are
// interpolated into SQL.
var tableNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// OpenSQLite opens (and if needed creates) a SQLite database suitable for
// backing one or more SQLite stores.
func OpenSQLite(cfg SQLiteConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// SQLite serializes writes, so a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to database")
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if cfg.WAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "configuring pragma %q", pragma)
		}
	}

	return db, nil
}

// SQLite is a durable Store implementation. Each record is persisted as a
// single JSON document keyed by its primary key; filters are applied after
// the scan, matching the contract's no-joins promise.
type SQLite[T Record] struct {
	db       *sql.DB
	table    string
	resource string
}

// NewSQLite creates a SQLite-backed store over the given database,
// migrating the table on first use.
func NewSQLite[T Record](db *sql.DB, table, resource string) (*SQLite[T], error) {
	if !tableNameRE.MatchString(table) {
		return nil, &errors.ValidationError{
			Field:   "table",
			Message: fmt.Sprintf("invalid table name %q", table),
		}
	}

	s := &SQLite[T]{db: db, table: table, resource: resource}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Wrapf(err, "migrating table %s", table)
	}

	return s, nil
}

// Insert stores a new record, failing on a duplicate key.
func (s *SQLite[T]) Insert(ctx context.Context, rec T) error {
	id := rec.RecordID()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding record")
	}

	query := fmt.Sprintf("INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)", s.table)
	if _, err := s.db.ExecContext(ctx, query, id, string(data), now()); err != nil {
		// modernc sqlite reports constraint violations as plain errors;
		// check existence to produce a typed duplicate error.
		if exists, checkErr := s.exists(ctx, id); checkErr == nil && exists {
			return &errors.AlreadyExistsError{Resource: s.resource, ID: id}
		}
		return errors.Wrap(err, "inserting record")
	}
	return nil
}

// Upsert stores a record, overwriting any existing one.
func (s *SQLite[T]) Upsert(ctx context.Context, rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding record")
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, query, rec.RecordID(), string(data), now()); err != nil {
		return errors.Wrap(err, "upserting record")
	}
	return nil
}

// Update overwrites an existing record, failing if the key is absent.
func (s *SQLite[T]) Update(ctx context.Context, rec T) error {
	id := rec.RecordID()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding record")
	}

	query := fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", s.table)
	res, err := s.db.ExecContext(ctx, query, string(data), now(), id)
	if err != nil {
		return errors.Wrap(err, "updating record")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading update result")
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: s.resource, ID: id}
	}
	return nil
}

// Delete removes a record by key, failing if the key is absent.
func (s *SQLite[T]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, "deleting record")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading delete result")
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: s.resource, ID: id}
	}
	return nil
}

// Get retrieves a record by key.
func (s *SQLite[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T

	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", s.table)
	var data string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, &errors.NotFoundError{Resource: s.resource, ID: id}
	}
	if err != nil {
		return zero, errors.Wrap(err, "querying record")
	}

	var rec T
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return zero, errors.Wrap(err, "decoding record")
	}
	return rec, nil
}

// FindMany returns all records matching the filter.
func (s *SQLite[T]) FindMany(ctx context.Context, filter Filter) ([]T, error) {
	query := fmt.Sprintf("SELECT data FROM %s ORDER BY id", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "querying records")
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scanning record")
		}
		var rec T
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, errors.Wrap(err, "decoding record")
		}
		ok, err := Matches(rec, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func (s *SQLite[T]) exists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", s.table)
	var one int
	err := s.db.QueryRowContext(ctx, query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
