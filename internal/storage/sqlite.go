package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/tagger/internal/models"
)

// SQLiteStorage implements Store on a single SQLite file.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStorage)(nil)

// sidecars are files SQLite keeps next to the database in WAL and rollback modes.
var sidecars = []string{"", "-wal", "-shm", "-journal"}

// Create creates a fresh canonical store at dbPath. If dbPath exists and overwrite is false,
// ErrOutputExists is returned before the file is touched; with overwrite the old database
// and its sidecar files are removed first. Parent directories are created if missing.
func Create(dbPath string, overwrite bool) (*SQLiteStorage, error) {
	if _, err := os.Stat(dbPath); err == nil {
		if !overwrite {
			return nil, fmt.Errorf("%s: %w", dbPath, ErrOutputExists)
		}
		for _, suffix := range sidecars {
			if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove existing database: %w", err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat output: %w", err)
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	s, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	if err := initSchema(s.db); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Open opens an existing canonical store. The file must exist.
func Open(dbPath string) (*SQLiteStorage, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	if err := initSchema(s.db); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func openDB(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	return &SQLiteStorage{db: db, path: dbPath}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY,
		folder_name TEXT NOT NULL,
		file_name TEXT NOT NULL,
		extension TEXT NOT NULL,
		download_url TEXT,
		tag_string TEXT NOT NULL,
		tag_count_general INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_posts_tag_count ON posts(tag_count_general);
	`
	_, err := db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

const recordColumns = `id, folder_name, file_name, extension, download_url, tag_string, tag_count_general`

// InsertRecords inserts records in a single transaction.
func (s *SQLiteStorage) InsertRecords(ctx context.Context, records []*models.ImageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO posts (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.FolderName, r.FileName, string(r.Extension), r.DownloadURL, r.TagString, r.TagCountGeneral,
		); err != nil {
			return fmt.Errorf("insert record %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// GetRecord returns a record by id.
func (s *SQLiteStorage) GetRecord(ctx context.Context, id int64) (*models.ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM posts WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%d: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRecordsFrom pages through records by id (keyset pagination).
func (s *SQLiteStorage) ListRecordsFrom(ctx context.Context, startID int64, limit int, exts []models.Extension) ([]*models.ImageRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM posts WHERE id >= ?`
	args := []any{startID}
	if len(exts) > 0 {
		query += ` AND extension IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(exts)), ", ") + `)`
		for _, e := range exts {
			args = append(args, string(e))
		}
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	return s.queryRecords(ctx, query, args...)
}

// LoadTrainingRecords returns records eligible for training.
func (s *SQLiteStorage) LoadTrainingRecords(ctx context.Context, minTagCount int64) ([]*models.ImageRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM posts WHERE tag_count_general >= ? ORDER BY id`,
		minTagCount,
	)
}

func (s *SQLiteStorage) queryRecords(ctx context.Context, query string, args ...any) ([]*models.ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ImageRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*models.ImageRecord, error) {
	var r models.ImageRecord
	var ext string
	var url sql.NullString
	if err := sc.Scan(&r.ID, &r.FolderName, &r.FileName, &ext, &url, &r.TagString, &r.TagCountGeneral); err != nil {
		return nil, err
	}
	r.Extension = models.Extension(ext)
	if url.Valid {
		r.DownloadURL = &url.String
	}
	return &r, nil
}

// CountRecords returns the total number of records.
func (s *SQLiteStorage) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&count)
	return count, err
}

// Vacuum rebuilds the database file to reclaim free pages.
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
