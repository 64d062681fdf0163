// Package store is the durable, scoped key/value area of a trip session.
//
// Values are JSON objects ("blobs"). Two write modes exist:
//   - Set overwrites the stored blob.
//   - Merge overlays the fields present in the partial blob and keeps the
//     others (shallow merge). Merging the same partial twice is a no-op the
//     second time.
//
// Reads never fail on bad data: an absent or corrupted blob reads as empty so
// callers treat "no prior state" and "corrupt state" the same way.
//
// The backing file is a SQLite database (modernc.org/sqlite, no cgo) with a
// single connection, which serializes writers; each Merge runs in its own
// transaction.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rubiojr/tripguide/pkg/logger"
	_ "modernc.org/sqlite"
)

// ErrStorageCorrupt marks a blob that could not be decoded. It is only
// logged; reads fall back to an empty blob.
var ErrStorageCorrupt = errors.New("storage corrupt")

var log = logger.Named("store")

// Blob is a shallow JSON object. Field values are kept as raw JSON so a merge
// never reinterprets nested data.
type Blob map[string]json.RawMessage

// BlobOf encodes v (a struct or map) as a Blob.
func BlobOf(v any) (Blob, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("blob must be a JSON object: %w", err)
	}
	return b, nil
}

// Decode fills v from the blob fields.
func (b Blob) Decode(v any) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Store owns the database handle. Create one per user session.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	_, _ = db.Exec(`PRAGMA journal_mode=WAL`)
	_, _ = db.Exec(`PRAGMA busy_timeout=5000`)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		scope TEXT NOT NULL,
		key   TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(scope, key)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	if err := initHistorySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("opened %s", path)
	return &Store{db: db, path: path}, nil
}

// OpenDir opens the store file inside dir.
func OpenDir(dir string) (*Store, error) {
	return Open(filepath.Join(dir, "session.sqlite"))
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Scope returns the namespaced view called name.
func (s *Store) Scope(name string) *Bucket {
	return &Bucket{db: s.db, scope: name}
}

// History returns the search history table sharing this database.
func (s *Store) History() *History {
	return &History{db: s.db}
}

// Bucket is one namespace of the store.
type Bucket struct {
	db    *sql.DB
	scope string
}

// Name returns the scope name.
func (b *Bucket) Name() string { return b.scope }

// Get returns the blob at key. Absent and corrupted values both yield an
// empty blob and false.
func (b *Bucket) Get(key string) (Blob, bool) {
	blob, ok, _ := get(b.db, b.scope, key)
	return blob, ok
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func get(q queryer, scope, key string) (Blob, bool, error) {
	var raw string
	err := q.QueryRow(`SELECT value FROM kv WHERE scope = ? AND key = ?`, scope, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, false, nil
	}
	if err != nil {
		log.Error("read %s/%s: %v", scope, key, err)
		return Blob{}, false, err
	}
	blob, err := parse(raw)
	if err != nil {
		log.Error("%s/%s: %v (treating as empty)", scope, key, err)
		return Blob{}, false, nil
	}
	return blob, true, nil
}

func parse(raw string) (Blob, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrStorageCorrupt
	}
	var blob Blob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil || blob == nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
	}
	return blob, nil
}

// Set overwrites the blob at key.
func (b *Bucket) Set(key string, blob Blob) error {
	return put(b.db, b.scope, key, blob)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func put(e execer, scope, key string, blob Blob) error {
	if blob == nil {
		blob = Blob{}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	_, err = e.Exec(`INSERT OR REPLACE INTO kv(scope, key, value, updated_at) VALUES(?,?,?,?)`,
		scope, key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", scope, key, err)
	}
	return nil
}

// Merge overlays partial onto the stored blob: present fields overwrite,
// absent fields are retained.
func (b *Bucket) Merge(key string, partial Blob) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	current, _, err := get(tx, b.scope, key)
	if err != nil {
		tx.Rollback()
		return err
	}
	for k, v := range partial {
		current[k] = v
	}
	if err := put(tx, b.scope, key, current); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Update runs fn on the current blob (empty when absent) inside one
// transaction. Returning a nil blob deletes the key.
func (b *Bucket) Update(key string, fn func(current Blob, exists bool) Blob) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	current, exists, err := get(tx, b.scope, key)
	if err != nil {
		tx.Rollback()
		return err
	}
	next := fn(current, exists)
	if next == nil {
		_, err = tx.Exec(`DELETE FROM kv WHERE scope = ? AND key = ?`, b.scope, key)
	} else {
		err = put(tx, b.scope, key, next)
	}
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RemoveMany deletes keys; missing keys are ignored.
func (b *Bucket) RemoveMany(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`DELETE FROM kv WHERE scope = ? AND key = ?`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.Exec(b.scope, k); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Keys lists the keys of the scope in lexical order.
func (b *Bucket) Keys() ([]string, error) {
	rows, err := b.db.Query(`SELECT key FROM kv WHERE scope = ?`, b.scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// Clear removes every key of the scope.
func (b *Bucket) Clear() error {
	_, err := b.db.Exec(`DELETE FROM kv WHERE scope = ?`, b.scope)
	return err
}
