package changes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreNotFound is returned by Open when no store exists for a version.
// It is distinct from an existing store that holds no rows.
var ErrStoreNotFound = errors.New("change store not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version TEXT NOT NULL,
	module TEXT NOT NULL,
	change_category TEXT NOT NULL,
	change_type TEXT NOT NULL,
	model_name TEXT,
	field_name TEXT,
	record_model TEXT,
	xml_id TEXT,
	description TEXT,
	raw_line TEXT,
	details_json TEXT
);`

const insertSQL = `
INSERT INTO changes (
	version, module, change_category, change_type,
	model_name, field_name, record_model, xml_id,
	description, raw_line, details_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectColumns = `id, version, module, change_category, change_type,
	model_name, field_name, record_model, xml_id, description, raw_line, details_json`

// Store is a sqlite-backed collection of change records for one version.
type Store struct {
	db   *sql.DB
	path string
}

// Setup creates the store file and schema if absent. It is idempotent.
func Setup(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer db.Close()
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("creating schema in %s: %w", path, err)
	}
	return nil
}

// Create sets up the store at path and opens it.
func Create(path string) (*Store, error) {
	if err := Setup(path); err != nil {
		return nil, err
	}
	return Open(path)
}

// Open opens an existing store. A missing file yields ErrStoreNotFound.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=rw&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("checking schema in %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear removes all rows and resets the autoincrement counter.
func (s *Store) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return clearTx(ctx, tx)
	})
}

// Insert writes recs after dropping duplicate raw lines within the batch and
// returns the number of rows written. The batch is written atomically.
func (s *Store) Insert(ctx context.Context, recs []ChangeRecord) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = insertTx(ctx, tx, recs)
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Printf("[store] inserted %d records into %s", n, filepath.Base(s.path))
	return n, nil
}

// Replace clears the store and inserts recs inside a single transaction, so
// readers observe either the previous or the new record set, never an empty
// intermediate state.
func (s *Store) Replace(ctx context.Context, recs []ChangeRecord) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := clearTx(ctx, tx); err != nil {
			return err
		}
		var err error
		n, err = insertTx(ctx, tx, recs)
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Printf("[store] replaced contents of %s with %d records", filepath.Base(s.path), n)
	return n, nil
}

func clearTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM changes`); err != nil {
		return fmt.Errorf("clearing changes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'changes'`); err != nil {
		return fmt.Errorf("resetting sequence: %w", err)
	}
	return nil
}

func insertTx(ctx context.Context, tx *sql.Tx, recs []ChangeRecord) (int, error) {
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	unique := Dedup(recs)
	for _, r := range unique {
		details := r.Details
		if details == nil {
			details = map[string]any{}
		}
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			return 0, fmt.Errorf("encoding details for %q: %w", r.RawLine, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Version, r.Module, string(r.Category), r.ChangeType,
			r.ModelName, r.FieldName, r.RecordModel, r.XMLID,
			r.Description, r.RawLine, string(detailsJSON),
		); err != nil {
			return 0, fmt.Errorf("inserting %q: %w", r.RawLine, err)
		}
	}
	return len(unique), nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("[store] rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// QueryOpts holds the optional query filters. Empty values are ignored and
// the remaining filters are AND-combined.
type QueryOpts struct {
	Module        string // exact module
	Model         string // exact match on model_name OR record_model
	VersionPrefix string // version LIKE prefix%
	Category      Category
	ChangeType    string
}

// Query returns records matching opts ordered by version descending.
// No match yields an empty slice and no error.
func (s *Store) Query(ctx context.Context, opts QueryOpts) ([]ChangeRecord, error) {
	var (
		where []string
		args  []any
	)
	if opts.Module != "" {
		where = append(where, "module = ?")
		args = append(args, opts.Module)
	}
	if opts.Model != "" {
		where = append(where, "(model_name = ? OR record_model = ?)")
		args = append(args, opts.Model, opts.Model)
	}
	if opts.VersionPrefix != "" {
		where = append(where, "version LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(opts.VersionPrefix)+"%")
	}
	if opts.Category != "" {
		where = append(where, "change_category = ?")
		args = append(args, string(opts.Category))
	}
	if opts.ChangeType != "" {
		where = append(where, "change_type = ?")
		args = append(args, opts.ChangeType)
	}

	q := "SELECT " + selectColumns + " FROM changes"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY version DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()

	result := []ChangeRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRecord(rows *sql.Rows) (ChangeRecord, error) {
	var (
		r                                   ChangeRecord
		category                            string
		model, field, recModel, xmlID, desc sql.NullString
		rawLine, detailsJSON                sql.NullString
	)
	if err := rows.Scan(&r.ID, &r.Version, &r.Module, &category, &r.ChangeType,
		&model, &field, &recModel, &xmlID, &desc, &rawLine, &detailsJSON); err != nil {
		return r, fmt.Errorf("scanning change: %w", err)
	}
	r.Category = Category(category)
	r.ModelName = nullable(model)
	r.FieldName = nullable(field)
	r.RecordModel = nullable(recModel)
	r.XMLID = nullable(xmlID)
	r.Description = nullable(desc)
	r.RawLine = rawLine.String
	r.Details = map[string]any{}
	if detailsJSON.Valid && detailsJSON.String != "" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &r.Details); err != nil {
			return r, fmt.Errorf("decoding details of change %d: %w", r.ID, err)
		}
	}
	return r, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return Str(ns.String)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting changes: %w", err)
	}
	return n, nil
}

// ObsoleteModels returns the distinct obsolete model names, sorted.
func (s *Store) ObsoleteModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT model_name
		FROM changes
		WHERE change_category = 'MODEL' AND change_type = 'OBSOLETE' AND model_name IS NOT NULL
		ORDER BY model_name`)
	if err != nil {
		return nil, fmt.Errorf("querying obsolete models: %w", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scanning model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// DeletedFields returns deleted fields ordered by module, model, field.
func (s *Store) DeletedFields(ctx context.Context) ([]FieldRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module, model_name, field_name
		FROM changes
		WHERE change_category = 'FIELD' AND change_type = 'DEL'
			AND model_name IS NOT NULL AND field_name IS NOT NULL
		ORDER BY module, model_name, field_name`)
	if err != nil {
		return nil, fmt.Errorf("querying deleted fields: %w", err)
	}
	defer rows.Close()

	var refs []FieldRef
	for rows.Next() {
		var f FieldRef
		if err := rows.Scan(&f.Module, &f.Model, &f.Field); err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		refs = append(refs, f)
	}
	return refs, rows.Err()
}

// ModelRenameInfos returns every MODEL record carrying a rename annotation.
// Rows with undecodable details are skipped.
func (s *Store) ModelRenameInfos(ctx context.Context) ([]ModelRenameInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name, details_json
		FROM changes
		WHERE change_category = 'MODEL' AND details_json IS NOT NULL AND model_name IS NOT NULL
		ORDER BY model_name`)
	if err != nil {
		return nil, fmt.Errorf("querying model renames: %w", err)
	}
	defer rows.Close()

	var infos []ModelRenameInfo
	for rows.Next() {
		var model, detailsJSON string
		if err := rows.Scan(&model, &detailsJSON); err != nil {
			return nil, fmt.Errorf("scanning model rename: %w", err)
		}
		var details map[string]any
		if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
			continue
		}
		info, _ := details[DetailRenameInfo].(string)
		if info == "" {
			continue
		}
		infos = append(infos, ModelRenameInfo{Model: model, Info: info})
	}
	return infos, rows.Err()
}

// ModuleModels summarizes the distinct models touched per module, using the
// record model for XML records.
func (s *Store) ModuleModels(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT module, COALESCE(model_name, record_model) AS model
		FROM changes
		WHERE COALESCE(model_name, record_model) IS NOT NULL
		ORDER BY module, model`)
	if err != nil {
		return nil, fmt.Errorf("querying module models: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]string)
	for rows.Next() {
		var module, model string
		if err := rows.Scan(&module, &model); err != nil {
			return nil, fmt.Errorf("scanning module model: %w", err)
		}
		result[module] = append(result[module], model)
	}
	return result, rows.Err()
}
