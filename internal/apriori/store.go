package apriori

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotImported is returned by Open when the reference store does not exist.
var ErrNotImported = errors.New("apriori store not found; run 'oupgrade apriori import' first")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS renamed_modules (
	id INTEGER PRIMARY KEY,
	version TEXT,
	old_name TEXT,
	new_name TEXT,
	UNIQUE(version, old_name)
);
CREATE TABLE IF NOT EXISTS merged_modules (
	id INTEGER PRIMARY KEY,
	version TEXT,
	from_name TEXT,
	to_name TEXT,
	UNIQUE(version, from_name)
);`

// Table names, also accepted as lookup filters.
const (
	TableRenamed = "renamed_modules"
	TableMerged  = "merged_modules"
)

// tableColumns maps a table to its (key, value) columns.
var tableColumns = map[string][2]string{
	TableRenamed: {"old_name", "new_name"},
	TableMerged:  {"from_name", "to_name"},
}

// Store holds the module rename and merge tables of every imported version.
type Store struct {
	db *sql.DB
}

// Create opens the store at path, creating the file and schema if absent.
func Create(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return open(path)
}

// Open opens an existing store. A missing file yields ErrNotImported.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotImported, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear removes every imported row.
func (s *Store) Clear(ctx context.Context) error {
	for table := range tableColumns {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

// Put stores the rename and merge mappings of one version, replacing rows
// with the same (version, key).
func (s *Store) Put(ctx context.Context, version string, renamed, merged map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for table, rows := range map[string]map[string]string{TableRenamed: renamed, TableMerged: merged} {
		cols := tableColumns[table]
		q := fmt.Sprintf("INSERT OR REPLACE INTO %s (version, %s, %s) VALUES (?, ?, ?)", table, cols[0], cols[1])
		for k, v := range rows {
			if _, err := tx.ExecContext(ctx, q, version, k, v); err != nil {
				return fmt.Errorf("inserting %s %s/%s: %w", table, version, k, err)
			}
		}
	}
	return tx.Commit()
}

// pairs returns key -> value from table rows where filterCol equals val.
func (s *Store) pairs(ctx context.Context, table, keyCol, valCol, filterCol, val string) (map[string]string, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ?", keyCol, valCol, table, filterCol)
	rows, err := s.db.QueryContext(ctx, q, val)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		result[k.String] = v.String
	}
	return result, rows.Err()
}
