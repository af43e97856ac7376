package dump

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	inverrors "github.com/bcdev/geo-inventory-sub000/internal/errors"
	"github.com/bcdev/geo-inventory-sub000/internal/geometry"
	"github.com/bcdev/geo-inventory-sub000/internal/index"
	"github.com/bcdev/geo-inventory-sub000/internal/ingest"
)

const createEntriesSQL = `
	CREATE TABLE entries (
		path TEXT PRIMARY KEY,
		start_time TEXT,
		end_time TEXT,
		wkt TEXT
	) WITHOUT ROWID
`

// SQLiteSink writes entries into a fresh SQLite database, all in one
// transaction committed by Close.
type SQLiteSink struct {
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
}

// NewSQLiteSink creates the database at path, replacing an existing file.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, inverrors.NewIOError(inverrors.CodeWriteFailed,
			fmt.Sprintf("dump: failed to replace %s", path), err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("dump: failed to create SQLite database: %w", err)
	}
	if _, err := db.Exec(createEntriesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("dump: failed to create entries table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX idx_entries_start ON entries(start_time)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("dump: failed to create index: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dump: failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO entries (path, start_time, end_time, wkt) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("dump: failed to prepare insert statement: %w", err)
	}

	return &SQLiteSink{db: db, tx: tx, stmt: stmt}, nil
}

// WriteEntry inserts one row. Entries without time or footprint get NULL columns.
func (s *SQLiteSink) WriteEntry(rec index.Record) error {
	var start, end, wkt interface{}
	if rec.StartTime != index.NoTime {
		start = ingest.FormatTime(rec.StartTime)
		end = ingest.FormatTime(rec.EndTime)
	}
	if text := geometry.FormatPolygon(rec.Polygon); text != "" {
		wkt = text
	}
	if _, err := s.stmt.Exec(rec.Path, start, end, wkt); err != nil {
		return fmt.Errorf("dump: failed to insert %s: %w", rec.Path, err)
	}
	return nil
}

// Close commits the rows and closes the database.
func (s *SQLiteSink) Close() error {
	defer s.db.Close()
	s.stmt.Close()
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("dump: failed to commit: %w", err)
	}
	return nil
}
