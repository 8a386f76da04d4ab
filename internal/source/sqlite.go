package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSource reads a file-based SQLite export.
type SQLiteSource struct {
	db      *sql.DB
	mapping *Mapping
	query   *fetchQuery
}

// NewSQLiteSource opens path read-only. The mapping is validated before the file is opened.
func NewSQLiteSource(ctx context.Context, path string, m *Mapping, opts Options) (*SQLiteSource, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to source database: %w", err)
	}
	return &SQLiteSource{
		db:      db,
		mapping: m,
		query:   buildFetchQuery(m, questionMark, opts),
	}, nil
}

// Fetch implements Source.
func (s *SQLiteSource) Fetch(ctx context.Context, startID int64, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, s.query.sql, s.query.args(startID, limit)...)
	if err != nil {
		return nil, fmt.Errorf("fetch from %d: %w", startID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var rating *string
		if err := rows.Scan(scanTargets(s.mapping, &r, &rating)...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.setRating(rating)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Mapping implements Source.
func (s *SQLiteSource) Mapping() *Mapping {
	return s.mapping
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
