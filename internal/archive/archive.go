// Package archive stores archive records in SQLite and answers the aggregate
// queries the uploaders need.
package archive

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jacaudi/wunderground_like/internal/packet"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/insert-value.sql
var insertValueSQL string

//go:embed sql/sum.sql
var sumSQL string

//go:embed sql/latest.sql
var latestSQL string

// Manager reads and writes the archive table.
type Manager struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Manager, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// One writer at a time; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	m := &Manager{db: db}
	if err := m.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) migrate() error {
	if _, err := m.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// AddRecord saves every numeric observation of rec.
func (m *Manager) AddRecord(ctx context.Context, rec packet.Packet) error {
	ts, ok := rec.DateTime()
	if !ok {
		return packet.ErrMissingTimestamp
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertValueSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, name := range rec.Keys() {
		if name == "dateTime" {
			continue
		}
		v, ok := rec.Float(name)
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, ts, name, v); err != nil {
			return fmt.Errorf("insert %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Sum totals obsType over records with start < dateTime <= end. The bool is
// false when no record in the range carried a value.
func (m *Manager) Sum(ctx context.Context, obsType string, start, end int64) (float64, bool, error) {
	var total sql.NullFloat64
	var n int
	err := m.db.QueryRowContext(ctx, sumSQL, obsType, start, end).Scan(&total, &n)
	if err != nil {
		return 0, false, fmt.Errorf("sum %s: %w", obsType, err)
	}
	if n == 0 || !total.Valid {
		return 0, false, nil
	}
	return total.Float64, true, nil
}

// LastTimestamp returns the dateTime of the newest stored record.
func (m *Manager) LastTimestamp(ctx context.Context) (int64, bool, error) {
	var ts sql.NullInt64
	if err := m.db.QueryRowContext(ctx, latestSQL).Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("last timestamp: %w", err)
	}
	return ts.Int64, ts.Valid, nil
}

func buildDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("archive database path is empty")
	}

	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
