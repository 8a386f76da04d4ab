// Package storage defines the canonical training store and disk helpers around it.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/tagger/internal/models"
)

var (
	// ErrOutputExists is returned by Create when the output exists and overwrite was not requested.
	ErrOutputExists = errors.New("output database already exists")
	// ErrRecordNotFound is returned when no record has the requested id.
	ErrRecordNotFound = errors.New("record not found")
)

// Store is the canonical image record store. The schema does not depend on the source
// that populated it.
type Store interface {
	// InsertRecords writes all records in one transaction, or none of them.
	InsertRecords(ctx context.Context, records []*models.ImageRecord) error
	GetRecord(ctx context.Context, id int64) (*models.ImageRecord, error)
	// ListRecordsFrom returns up to limit records with id >= startID and an extension in exts,
	// ordered by id. An empty exts matches every extension.
	ListRecordsFrom(ctx context.Context, startID int64, limit int, exts []models.Extension) ([]*models.ImageRecord, error)
	// LoadTrainingRecords returns every record with at least minTagCount general tags, ordered by id.
	LoadTrainingRecords(ctx context.Context, minTagCount int64) ([]*models.ImageRecord, error)
	CountRecords(ctx context.Context) (int64, error)
	Vacuum(ctx context.Context) error
	Close() error
}
