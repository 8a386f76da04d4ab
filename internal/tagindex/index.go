// Package tagindex provides a Bleve search index over canonical records' tags.
package tagindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/tagger/internal/models"
)

// ErrEmptyQuery is returned when a query has no tags.
var ErrEmptyQuery = errors.New("query has no tags")

// RecordIndex is a Bleve index of records keyed by id.
type RecordIndex struct {
	index bleve.Index
}

// recordDoc is what gets indexed for a record.
type recordDoc struct {
	Tags      []string `json:"tags"`
	Extension string   `json:"extension"`
	TagCount  int64    `json:"tag_count"`
}

// Open creates or opens a record index at path. An existing index is reused as is; remove
// the directory after changing the mapping.
func Open(path string) (*RecordIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &RecordIndex{index: index}, nil
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &RecordIndex{index: index}, nil
}

// newMapping indexes tags as exact terms; tags such as "rating:safe" must not be split.
func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	exact.Store = false
	docMapping.AddFieldMappingsAt("tags", exact)
	docMapping.AddFieldMappingsAt("extension", exact)
	docMapping.AddFieldMappingsAt("tag_count", bleve.NewNumericFieldMapping())

	im.AddDocumentMapping("record", docMapping)
	im.DefaultType = "record"
	im.DefaultMapping = docMapping
	return im
}

// IndexRecords adds or replaces records in one batch.
func (x *RecordIndex) IndexRecords(ctx context.Context, records []*models.ImageRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := x.index.NewBatch()
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := recordDoc{Tags: r.Tags(), Extension: string(r.Extension), TagCount: r.TagCountGeneral}
		if err := batch.Index(strconv.FormatInt(r.ID, 10), doc); err != nil {
			return fmt.Errorf("index record %d: %w", r.ID, err)
		}
	}
	if err := x.index.Batch(batch); err != nil {
		return fmt.Errorf("commit index batch: %w", err)
	}
	return nil
}

// Search finds records by tag. Tags prefixed with '-' are excluded. Without MatchAll a
// record needs any one of the remaining tags; with it, all of them.
func (x *RecordIndex) Search(ctx context.Context, q *models.RecordQuery) (*models.RecordSearchResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	bq, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	req := bleve.NewSearchRequestOptions(bq, q.Limit, q.Offset, false)
	res, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	hits := make([]*models.RecordHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, &models.RecordHit{ID: id, Score: h.Score})
	}
	resp := &models.RecordSearchResponse{
		Hits:      hits,
		Total:     res.Total,
		QueryTime: time.Since(start).Milliseconds(),
		Query:     q.Query,
	}
	if res.Total == 0 {
		resp.Suggestions = x.suggestQuery(q.Query)
	}
	return resp, nil
}

func buildQuery(q *models.RecordQuery) (blevequery.Query, error) {
	var include, exclude []blevequery.Query
	for _, tok := range strings.Fields(q.Query) {
		neg := len(tok) > 1 && tok[0] == '-'
		if neg {
			tok = tok[1:]
		}
		tq := bleve.NewTermQuery(tok)
		tq.SetField("tags")
		if neg {
			exclude = append(exclude, tq)
		} else {
			include = append(include, tq)
		}
	}
	if len(include) == 0 && len(exclude) == 0 {
		return nil, ErrEmptyQuery
	}

	var positive blevequery.Query
	switch {
	case len(include) == 0:
		positive = bleve.NewMatchAllQuery()
	case q.MatchAll:
		positive = bleve.NewConjunctionQuery(include...)
	default:
		positive = bleve.NewDisjunctionQuery(include...)
	}
	if len(exclude) == 0 {
		return positive, nil
	}
	bq := bleve.NewBooleanQuery()
	bq.AddMust(positive)
	bq.AddMustNot(exclude...)
	return bq, nil
}

// Delete removes a record from the index.
func (x *RecordIndex) Delete(id int64) error {
	return x.index.Delete(strconv.FormatInt(id, 10))
}

// DocCount returns the number of indexed records.
func (x *RecordIndex) DocCount() (uint64, error) {
	return x.index.DocCount()
}

// Close closes the index.
func (x *RecordIndex) Close() error {
	return x.index.Close()
}
