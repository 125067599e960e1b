// Package sqldoc implements domain.Store on top of database/sql. Each collection
// is a table of (id, doc) rows and each declared index is an expression index
// over the JSON document. Engine differences live behind Dialect.
package sqldoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ciomsdb/internal/infra/persistence/onceopen"
	"ciomsdb/internal/schema"
	"ciomsdb/pkg/domain"
)

var _ domain.Store = (*Store)(nil)

// Dialect captures the SQL an engine needs for the document layout.
type Dialect interface {
	// Name identifies the engine in errors and logs.
	Name() string
	// Connect opens and configures a database handle.
	Connect(ctx context.Context) (*sql.DB, error)
	// SchemaVersion reads the stored schema version, 0 for a new database.
	SchemaVersion(ctx context.Context, db *sql.DB) (int, error)
	// SetSchemaVersion records v inside tx.
	SetSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error
	// CreateTable returns the DDL for a collection table.
	CreateTable(table string) string
	// CreateIndex returns the DDL for an expression index.
	CreateIndex(table, name string, fields []string, unique bool) string
	// Field renders the expression extracting a top-level document field.
	Field(name string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// Param converts a normalized index value into a bind argument comparable with Field.
	Param(v any) any
	// Insert returns the new row id for body.
	Insert(ctx context.Context, db *sql.DB, table string, body []byte) (int64, error)
	// Upsert writes body under id, creating the row if needed, and keeps the id sequence ahead of id.
	Upsert(ctx context.Context, db *sql.DB, table string, id int64, body []byte) error
	// UniqueViolation reports whether err is a unique index failure and, when known, which index.
	UniqueViolation(err error) (index string, ok bool)
}

// Store is a domain.Store over a SQL engine.
type Store struct {
	dialect Dialect
	reg     *schema.Registry
	opener  onceopen.Opener

	mu sync.RWMutex
	db *sql.DB
}

// New constructs an unopened store; nil reg selects schema.Default().
func New(d Dialect, reg *schema.Registry) *Store {
	if reg == nil {
		reg = schema.Default()
	}
	return &Store{dialect: d, reg: reg}
}

// IndexName is the SQL name of a declared index.
func IndexName(table, index string) string {
	return "idx_" + table + "_" + index
}

// QuoteIdent quotes a table or index identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Open connects and applies any pending additive migrations. Concurrent callers share one open.
func (s *Store) Open(ctx context.Context) error {
	return s.opener.Do(ctx, s.open)
}

func (s *Store) open(ctx context.Context) error {
	db, err := s.dialect.Connect(ctx)
	if err != nil {
		return &domain.StorageError{Op: "open " + s.dialect.Name(), Err: err}
	}
	if err := s.migrate(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

func (s *Store) migrate(ctx context.Context, db *sql.DB) error {
	stored, err := s.dialect.SchemaVersion(ctx, db)
	if err != nil {
		return &domain.StorageError{Op: "read schema version", Err: err}
	}
	steps, err := s.reg.Plan(stored)
	if err != nil {
		return &domain.StorageError{Op: "migrate", Err: err}
	}
	for _, step := range steps {
		if err := s.applyStep(ctx, db, step); err != nil {
			return &domain.StorageError{Op: fmt.Sprintf("migrate to v%d", step.To), Err: err}
		}
	}
	return nil
}

func (s *Store) applyStep(ctx context.Context, db *sql.DB, step schema.Migration) (retErr error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, c := range step.Collections {
		if _, err := tx.ExecContext(ctx, s.dialect.CreateTable(c.Name)); err != nil {
			return fmt.Errorf("create %s: %w", c.Name, err)
		}
		for _, idx := range c.Indexes {
			ddl := s.dialect.CreateIndex(c.Name, IndexName(c.Name, idx.Name), idx.Fields, idx.Unique)
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("create index %s.%s: %w", c.Name, idx.Name, err)
			}
		}
	}
	if err := s.dialect.SetSchemaVersion(ctx, tx, step.To); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion reads the stored version of an opened store.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	return s.dialect.SchemaVersion(ctx, db)
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB(ctx context.Context) (*sql.DB, error) { return s.handle(ctx) }

// Close releases the handle; the next operation reopens the database.
func (s *Store) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.opener.Reset()
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, &domain.StorageError{Op: "use " + s.dialect.Name(), Err: errors.New("store is closed")}
	}
	return s.db, nil
}

func (s *Store) table(ctx context.Context, collection string) (*sql.DB, schema.Collection, error) {
	c, err := s.reg.Lookup(collection)
	if err != nil {
		return nil, schema.Collection{}, err
	}
	db, err := s.handle(ctx)
	if err != nil {
		return nil, schema.Collection{}, err
	}
	return db, c, nil
}

// Insert stores body under a fresh id.
func (s *Store) Insert(ctx context.Context, collection string, body json.RawMessage) (int64, error) {
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return 0, err
	}
	if !json.Valid(body) {
		return 0, fmt.Errorf("%s: body is not valid JSON", collection)
	}
	id, err := s.dialect.Insert(ctx, db, QuoteIdent(c.Name), body)
	if err != nil {
		return 0, s.classify("insert", c, err)
	}
	return id, nil
}

// Get returns the row with id.
func (s *Store) Get(ctx context.Context, collection string, id int64) (domain.Document, bool, error) {
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return domain.Document{}, false, err
	}
	q := fmt.Sprintf(`SELECT id, doc FROM %s WHERE id = %s`, QuoteIdent(c.Name), s.dialect.Placeholder(1))
	var doc domain.Document
	var raw []byte
	err = db.QueryRowContext(ctx, q, id).Scan(&doc.ID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, s.classify("get", c, err)
	}
	doc.Body = json.RawMessage(raw)
	return doc, true, nil
}

// GetAllByIndex returns the rows whose index fields equal values, by ascending id.
func (s *Store) GetAllByIndex(ctx context.Context, collection, index string, values ...any) ([]domain.Document, error) {
	def, err := s.reg.Index(collection, index)
	if err != nil {
		return nil, err
	}
	if len(values) != len(def.Fields) {
		return nil, fmt.Errorf("index %s.%s takes %d values, got %d", collection, index, len(def.Fields), len(values))
	}
	key, err := schema.NormalizeAll(values)
	if err != nil {
		return nil, err
	}
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	conds := make([]string, len(def.Fields))
	args := make([]any, len(def.Fields))
	for i, f := range def.Fields {
		conds[i] = fmt.Sprintf("%s = %s", s.dialect.Field(f), s.dialect.Placeholder(i+1))
		args[i] = s.dialect.Param(key[i])
	}
	q := fmt.Sprintf(`SELECT id, doc FROM %s WHERE %s ORDER BY id`, QuoteIdent(c.Name), strings.Join(conds, " AND "))
	return s.query(ctx, db, c, q, args...)
}

// Scan returns the whole collection by ascending id.
func (s *Store) Scan(ctx context.Context, collection string) ([]domain.Document, error) {
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, db, c, fmt.Sprintf(`SELECT id, doc FROM %s ORDER BY id`, QuoteIdent(c.Name)))
}

func (s *Store) query(ctx context.Context, db *sql.DB, c schema.Collection, q string, args ...any) ([]domain.Document, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.classify("query", c, err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Document
	for rows.Next() {
		var doc domain.Document
		var raw []byte
		if err := rows.Scan(&doc.ID, &raw); err != nil {
			return nil, s.classify("scan", c, err)
		}
		doc.Body = json.RawMessage(raw)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("iterate", c, err)
	}
	return out, nil
}

// Put upserts doc under doc.ID.
func (s *Store) Put(ctx context.Context, collection string, doc domain.Document) (int64, error) {
	if doc.ID <= 0 {
		return 0, fmt.Errorf("put %s: record must have an id", collection)
	}
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return 0, err
	}
	if !json.Valid(doc.Body) {
		return 0, fmt.Errorf("%s: body is not valid JSON", collection)
	}
	if err := s.dialect.Upsert(ctx, db, QuoteIdent(c.Name), doc.ID, doc.Body); err != nil {
		return 0, s.classify("put", c, err)
	}
	return doc.ID, nil
}

// Delete removes id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, collection string, id int64) (bool, error) {
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, QuoteIdent(c.Name), s.dialect.Placeholder(1)), id)
	if err != nil {
		return false, s.classify("delete", c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.classify("delete", c, err)
	}
	return n > 0, nil
}

// Count returns the number of rows.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, QuoteIdent(c.Name))).Scan(&n); err != nil {
		return 0, s.classify("count", c, err)
	}
	return n, nil
}

// Clear deletes every row; the id sequence is left untouched.
func (s *Store) Clear(ctx context.Context, collection string) error {
	db, c, err := s.table(ctx, collection)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, QuoteIdent(c.Name))); err != nil {
		return s.classify("clear", c, err)
	}
	return nil
}

func (s *Store) classify(op string, c schema.Collection, err error) error {
	if sqlName, ok := s.dialect.UniqueViolation(err); ok {
		index := ""
		for _, idx := range c.Indexes {
			if idx.Unique && sqlName != "" && strings.Contains(sqlName, IndexName(c.Name, idx.Name)) {
				index = idx.Name
			}
		}
		return &domain.ConstraintError{Collection: c.Name, Index: index, Err: err}
	}
	return &domain.StorageError{Op: fmt.Sprintf("%s %s (%s)", op, c.Name, s.dialect.Name()), Err: err}
}
