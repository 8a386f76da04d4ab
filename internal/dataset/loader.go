package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/tagger/internal/models"
	"golang.org/x/sync/errgroup"
)

// ErrImageUnavailable is returned when a record's image cannot be read.
var ErrImageUnavailable = errors.New("image unavailable")

// Loader builds minibatches from records whose images live under an image root.
type Loader struct {
	imageDir string
	vocab    *Vocabulary
	width    int
	height   int
	decoders int
}

// NewLoader creates a loader producing width×height inputs over vocab.
func NewLoader(imageDir string, vocab *Vocabulary, width, height int) *Loader {
	return &Loader{imageDir: imageDir, vocab: vocab, width: width, height: height, decoders: 4}
}

// Vocabulary returns the loader's vocabulary.
func (l *Loader) Vocabulary() *Vocabulary {
	return l.vocab
}

// Path returns where a record's image is expected.
func (l *Loader) Path(r *models.ImageRecord) string {
	return filepath.Join(l.imageDir, r.RelativePath())
}

// Missing returns the records whose image file does not exist, in input order.
func (l *Loader) Missing(records []*models.ImageRecord) []*models.ImageRecord {
	var out []*models.ImageRecord
	for _, r := range records {
		if _, err := os.Stat(l.Path(r)); err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Load decodes every record's image and target. Any missing or undecodable image fails
// the whole batch.
func (l *Loader) Load(ctx context.Context, records []*models.ImageRecord) (models.Batch, error) {
	b := models.Batch{
		IDs:      make([]int64, len(records)),
		Width:    l.width,
		Height:   l.height,
		Channels: Channels,
		Images:   make([][]float32, len(records)),
		Targets:  make([][]float32, len(records)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.decoders)
	for i, r := range records {
		b.IDs[i] = r.ID
		b.Targets[i] = l.vocab.Encode(r.TagString)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := LoadImage(l.Path(r), l.width, l.height)
			if err != nil {
				return fmt.Errorf("record %d: %w: %w", r.ID, ErrImageUnavailable, err)
			}
			b.Images[i] = px
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.Batch{}, err
	}
	return b, nil
}
