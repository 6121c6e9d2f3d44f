package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"     // Postgres Driver
	_ "modernc.org/sqlite" // SQLite Driver
)

// Dialect selects the placeholder and upsert syntax of a SQL database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLBackend stores every path as a row of a single table. It supports both
// SQLite and Postgres via standard drivers.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

const blobSchema = `
CREATE TABLE IF NOT EXISTS pond_objects (
	path TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
`

const blobSchemaPostgres = `
CREATE TABLE IF NOT EXISTS pond_objects (
	path TEXT PRIMARY KEY,
	data BYTEA NOT NULL
);
`

// belowPrefix matches paths starting with the bound prefix, which is bound
// twice. Both databases count substr and length in characters, so the
// length is taken in SQL rather than from the Go byte length.
const belowPrefix = `substr(path, 1, length(CAST(? AS TEXT))) = ?`

// NewSQLBackend wraps db. Call Init once to create the table.
func NewSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

// OpenSQLBackend opens a database with the driver matching dialect and creates the table.
func OpenSQLBackend(ctx context.Context, dialect Dialect, dsn string) (*SQLBackend, error) {
	driver := string(dialect)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	b := NewSQLBackend(db, dialect)
	if err := b.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Init creates the object table if needed.
func (s *SQLBackend) Init(ctx context.Context) error {
	schema := blobSchema
	if s.dialect == DialectPostgres {
		schema = blobSchemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create object table: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders for Postgres.
func (s *SQLBackend) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLBackend) Read(ctx context.Context, p string) ([]byte, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	var data []byte
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT data FROM pond_objects WHERE path = ?`), key)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(p)
		}
		return nil, fmt.Errorf("sql read failed for %s: %w", p, err)
	}
	return data, nil
}

func (s *SQLBackend) Write(ctx context.Context, p string, data []byte) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	query := `INSERT INTO pond_objects (path, data) VALUES (?, ?)
		ON CONFLICT (path) DO UPDATE SET data = excluded.data`
	if _, err := s.db.ExecContext(ctx, s.bind(query), key, data); err != nil {
		return fmt.Errorf("sql write failed for %s: %w", p, err)
	}
	return nil
}

// WriteExclusive relies on the primary key to reject a second insert.
func (s *SQLBackend) WriteExclusive(ctx context.Context, p string, data []byte) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	if data == nil {
		data = []byte{}
	}
	query := `INSERT INTO pond_objects (path, data) VALUES (?, ?) ON CONFLICT (path) DO NOTHING`
	res, err := s.db.ExecContext(ctx, s.bind(query), key, data)
	if err != nil {
		return false, fmt.Errorf("sql exclusive write failed for %s: %w", p, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sql exclusive write failed for %s: %w", p, err)
	}
	return n == 1, nil
}

func (s *SQLBackend) Exists(ctx context.Context, p string) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	var n int
	query := `SELECT COUNT(*) FROM pond_objects WHERE path = ? OR ` + belowPrefix
	row := s.db.QueryRowContext(ctx, s.bind(query), key, key+"/", key+"/")
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("sql exists failed for %s: %w", p, err)
	}
	return n > 0, nil
}

func (s *SQLBackend) Delete(ctx context.Context, p string, recursive bool) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	if recursive {
		query := `DELETE FROM pond_objects WHERE path = ? OR ` + belowPrefix
		_, err = s.db.ExecContext(ctx, s.bind(query), key, key+"/", key+"/")
	} else {
		_, err = s.db.ExecContext(ctx, s.bind(`DELETE FROM pond_objects WHERE path = ?`), key)
	}
	if err != nil {
		return fmt.Errorf("sql delete failed for %s: %w", p, err)
	}
	return nil
}

func (s *SQLBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT path FROM pond_objects ORDER BY path`)
	} else {
		key, cerr := CleanPath(prefix)
		if cerr != nil {
			return nil, cerr
		}
		query := `SELECT path FROM pond_objects WHERE ` + belowPrefix + ` ORDER BY path`
		rows, err = s.db.QueryContext(ctx, s.bind(query), key+"/", key+"/")
	}
	if err != nil {
		return nil, fmt.Errorf("sql list failed for %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Close closes the database.
func (s *SQLBackend) Close() error {
	return s.db.Close()
}
