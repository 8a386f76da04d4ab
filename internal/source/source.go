// Package source reads raw image metadata from external tag databases and normalizes it
// into canonical records.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/tagger/internal/models"
)

var (
	// ErrUnsupportedFormat is returned for an unknown source format name.
	ErrUnsupportedFormat = errors.New("unsupported source format")
	// ErrMissingColumn is returned when a mapping lacks a required canonical column.
	ErrMissingColumn = errors.New("mapping is missing a required column")
)

// Format selects a source backend and its column mapping.
type Format string

const (
	// Danbooru reads a SQLite export of a danbooru posts table.
	Danbooru Format = "danbooru"
	// Derpibooru reads a live derpibooru PostgreSQL database.
	Derpibooru Format = "derpibooru"
)

// ParseFormat returns the Format named by s.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case Danbooru, Derpibooru:
		return Format(s), nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnsupportedFormat)
}

// Row is one raw row fetched from a source, already projected onto canonical column names
// but not yet normalized.
type Row struct {
	ID              int64
	FolderName      string
	FileName        string
	Extension       string
	DownloadURL     *string
	TagString       string
	TagCountGeneral int64
	Deleted         bool
	// Rating is empty when the mapping has no rating column.
	Rating string
}

// Source is a paginated reader over a backend.
type Source interface {
	// Fetch returns up to limit rows with id >= startID, ascending by id.
	// The extension whitelist and deletion policy are already applied.
	Fetch(ctx context.Context, startID int64, limit int) ([]Row, error)
	// Mapping returns the column mapping the source queries with.
	Mapping() *Mapping
	Close() error
}

// Options are filters pushed down into the source query.
type Options struct {
	// Extensions is the format whitelist; empty means models.AllowedExtensions.
	Extensions []models.Extension
	// UseDeleted keeps rows flagged as deleted.
	UseDeleted bool
}

func (o Options) extensions() []models.Extension {
	if len(o.Extensions) == 0 {
		return models.AllowedExtensions
	}
	return o.Extensions
}

// Open connects to the backend for format. uri is a file path for Danbooru and a
// PostgreSQL connection URL for Derpibooru. Connection failures are returned here,
// before any row is fetched.
func Open(ctx context.Context, format Format, uri string, opts Options) (Source, error) {
	switch format {
	case Danbooru:
		return NewSQLiteSource(ctx, uri, DanbooruMapping(), opts)
	case Derpibooru:
		return NewPostgresSource(ctx, uri, DerpibooruMapping(), opts)
	}
	return nil, fmt.Errorf("%q: %w", format, ErrUnsupportedFormat)
}
