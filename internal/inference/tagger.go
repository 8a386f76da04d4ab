package inference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/hyperjump/tagger/internal/dataset"
	"github.com/hyperjump/tagger/internal/models"
)

// Tagger pairs an evaluator with its tag vocabulary.
type Tagger struct {
	eval  Evaluator
	tags  []string
	cache *ScoreCache
}

// NewTagger checks that the evaluator's output matches the vocabulary.
func NewTagger(eval Evaluator, tags []string, cacheSize int) (*Tagger, error) {
	if eval.Outputs() != len(tags) {
		return nil, fmt.Errorf("model has %d outputs but %d tags are loaded", eval.Outputs(), len(tags))
	}
	return &Tagger{eval: eval, tags: tags, cache: NewScoreCache(cacheSize)}, nil
}

// Close releases the evaluator.
func (t *Tagger) Close() error {
	return t.eval.Close()
}

// TagFile evaluates the image at path.
func (t *Tagger) TagFile(ctx context.Context, path string, threshold float64) ([]models.TagScore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return t.Tag(ctx, f, threshold)
}

// Tag evaluates an encoded image and returns the tags scoring at least threshold,
// highest confidence first.
func (t *Tagger) Tag(ctx context.Context, r io.Reader, threshold float64) ([]models.TagScore, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	scores, ok := t.cache.Get(key)
	if !ok {
		w, h := t.eval.InputSize()
		px, err := dataset.DecodeImage(bytes.NewReader(data), w, h)
		if err != nil {
			return nil, err
		}
		if scores, err = t.eval.Evaluate(ctx, px); err != nil {
			return nil, err
		}
		t.cache.Set(key, scores)
	}
	return Select(t.tags, scores, threshold), nil
}

// Select pairs tags with scores, keeps those at or above threshold and sorts them by
// descending confidence. Ties keep vocabulary order.
func Select(tags []string, scores []float32, threshold float64) []models.TagScore {
	out := []models.TagScore{}
	for i, s := range scores {
		if i >= len(tags) {
			break
		}
		if float64(s) >= threshold {
			out = append(out, models.TagScore{Tag: tags[i], Confidence: float64(s)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
