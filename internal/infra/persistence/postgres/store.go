// Package postgres provides a Postgres-backed document store. Collections are
// JSONB tables and declared indexes are expression indexes over doc->>'field'.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"ciomsdb/internal/infra/persistence/sqldoc"
	"ciomsdb/internal/schema"
)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with the configuration defaults while allowing overrides.
	defaultDSN = "postgres://localhost/ciomsdb?sslmode=disable"

	metaTable       = "ciomsdb_meta"
	uniqueViolation = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// NewStore returns an unopened store for dsn (falls back to defaultDSN).
// Connecting and migrating happen on first use.
func NewStore(dsn string, reg *schema.Registry) *sqldoc.Store {
	if dsn == "" {
		dsn = defaultDSN
	}
	return sqldoc.New(dialect{dsn: dsn}, reg)
}

type dialect struct {
	dsn string
}

func (dialect) Name() string { return "postgres" }

func (d dialect) Connect(ctx context.Context) (*sql.DB, error) {
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, d.dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (dialect) SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	ddl := `CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return 0, fmt.Errorf("ensure meta table: %w", err)
	}
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM `+metaTable+` WHERE name = $1`, schema.Name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (dialect) SetSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO `+metaTable+` (name, version) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version`, schema.Name, v)
	return err
}

func (dialect) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		doc JSONB NOT NULL
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
	return fmt.Sprintf(`(doc->>'%s')`, name)
}

func (dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// Param renders v as the text doc->>'field' yields.
func (dialect) Param(v any) any { return schema.Text(v) }

func (dialect) Insert(ctx context.Context, db *sql.DB, table string, body []byte) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1::jsonb) RETURNING id`, table), string(body)).Scan(&id)
	return id, err
}

func (dialect) Upsert(ctx context.Context, db *sql.DB, table string, id int64, body []byte) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, table), id, string(body)); err != nil {
		return err
	}
	var seq sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT pg_get_serial_sequence($1, 'id')`, table).Scan(&seq); err != nil {
		return fmt.Errorf("resolve id sequence: %w", err)
	}
	if !seq.Valid {
		return fmt.Errorf("table %s has no id sequence", table)
	}
	// The sequence only moves forward; explicit ids below it are left alone.
	_, err := db.ExecContext(ctx, fmt.Sprintf(`SELECT setval($1::regclass, GREATEST($2::bigint, (SELECT last_value FROM %s)))`, seq.String), seq.String, id)
	return err
}

func (dialect) UniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
