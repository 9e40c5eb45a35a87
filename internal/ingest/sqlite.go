package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tabula/internal/frame"
	"tabula/internal/logging"
	"tabula/internal/registry"
)

// SQLite reads tables from, and exports tables to, a SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens the database at path, creating it when absent.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Query runs a SELECT and returns its result as a table.
func (s *SQLite) Query(ctx context.Context, query string) (*frame.Table, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	var data [][]any
	for rows.Next() {
		vals := make([]any, len(header))
		ptrs := make([]any, len(header))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			vals[i] = cell(v)
		}
		data = append(data, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return frame.FromRows(header, data)
}

func cell(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		if frame.IsMissingSentinel(x) {
			return nil
		}
	}
	return v
}

// LoadQueries registers the result of each binding's query in reg.
func (s *SQLite) LoadQueries(ctx context.Context, reg *registry.Registry, bindings []Binding) error {
	for _, b := range bindings {
		t, err := s.Query(ctx, b.Source)
		if err != nil {
			return fmt.Errorf("%s: %w", b.Name, err)
		}
		if err := reg.Register(b.Name, t); err != nil {
			return fmt.Errorf("failed to register %s: %w", b.Name, err)
		}
		logging.Ingest("loaded %s from %s: %d rows x %d cols", b.Name, s.path, t.NumRows(), t.NumCols())
	}
	return nil
}

// Export writes t as table name, replacing any existing table of that name.
func (s *SQLite) Export(ctx context.Context, name string, t *frame.Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cols := t.Columns()
	defs := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name()), sqlType(c.Kind()))
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for i := 0; i < t.NumRows(); i++ {
		for j, c := range cols {
			v := c.Value(i)
			if ts, ok := v.(time.Time); ok {
				v = frame.FormatValue(ts)
			}
			args[j] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logging.Ingest("exported %s to %s: %d rows", name, s.path, t.NumRows())
	return nil
}

func sqlType(k frame.Kind) string {
	if k == frame.Numeric {
		return "REAL"
	}
	return "TEXT"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
