// Package sqlite provides the embedded, file-backed document store. Each
// collection is a table of JSON documents with json_extract expression indexes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"ciomsdb/internal/infra/persistence/sqldoc"
	"ciomsdb/internal/schema"
)

// DefaultPath is used when no path is configured.
const DefaultPath = "ciomsdb.db"

var sqlOpen = sql.Open

// NewStore returns an unopened store for the database file at path. Use ":memory:"
// for a private in-process database.
func NewStore(path string, reg *schema.Registry) *sqldoc.Store {
	if path == "" {
		path = DefaultPath
	}
	return sqldoc.New(dialect{path: path}, reg)
}

type dialect struct {
	path string
}

func (dialect) Name() string { return "sqlite" }

func (d dialect) Connect(ctx context.Context) (*sql.DB, error) {
	if d.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(d.path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sqlOpen("sqlite", d.path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

func (dialect) SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (dialect) SetSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

func (dialect) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc TEXT NOT NULL CHECK (json_valid(doc))
	)`, sqldoc.QuoteIdent(table))
}

func (d dialect) CreateIndex(table, name string, fields []string, unique bool) string {
	exprs := make([]string, len(fields))
	for i, f := range fields {
		exprs[i] = d.Field(f)
	}
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf(`CREATE %s IF NOT EXISTS %s ON %s (%s)`, kind, sqldoc.QuoteIdent(name), sqldoc.QuoteIdent(table), strings.Join(exprs, ", "))
}

func (dialect) Field(name string) string {
	return fmt.Sprintf(`json_extract(doc, '$.%s')`, name)
}

func (dialect) Placeholder(int) string { return "?" }

// Param maps booleans onto the integers json_extract yields for true and false.
func (dialect) Param(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

func (dialect) Insert(ctx context.Context, db *sql.DB, table string, body []byte) (int64, error) {
	res, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES (json(?))`, table), string(body))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Upsert relies on AUTOINCREMENT raising sqlite_sequence past explicit ids.
func (dialect) Upsert(ctx context.Context, db *sql.DB, table string, id int64, body []byte) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (?, json(?))
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, table), id, string(body))
	return err
}

var uniqueIndexPattern = regexp.MustCompile(`UNIQUE constraint failed: index '([^']+)'`)

func (dialect) UniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return "", false
	}
	if m := uniqueIndexPattern.FindStringSubmatch(msg); m != nil {
		return m[1], true
	}
	return "", true
}
