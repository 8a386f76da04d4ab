package source

import (
	"fmt"
	"strings"

	"github.com/hyperjump/tagger/internal/models"
)

// NormalizeError reports a row that could not be turned into a canonical record.
type NormalizeError struct {
	ID    int64
	Field string
	Err   error
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("normalize row %d: %s: %v", e.ID, e.Field, e.Err)
}

func (e *NormalizeError) Unwrap() error {
	return e.Err
}

// Normalizer converts source rows into canonical records. Tags are re-joined with
// single spaces; spaces inside a tag become underscores.
type Normalizer struct {
	delimiter  string
	ratingTags map[string]string
}

// NewNormalizer returns a normalizer for rows produced with m.
func NewNormalizer(m *Mapping) *Normalizer {
	return &Normalizer{delimiter: m.TagDelimiter, ratingTags: m.RatingTags}
}

// Normalize validates row and returns the canonical record. Deleted rows are returned
// with Deleted set; dropping them is the caller's policy.
func (n *Normalizer) Normalize(row Row) (*models.ImageRecord, error) {
	ext, err := models.ParseExtension(row.Extension)
	if err != nil {
		return nil, &NormalizeError{ID: row.ID, Field: ColExtension, Err: err}
	}
	if strings.TrimSpace(row.FileName) == "" {
		return nil, &NormalizeError{ID: row.ID, Field: ColFileName, Err: fmt.Errorf("empty")}
	}
	if strings.TrimSpace(row.FolderName) == "" {
		return nil, &NormalizeError{ID: row.ID, Field: ColFolderName, Err: fmt.Errorf("empty")}
	}
	if row.TagCountGeneral < 0 {
		return nil, &NormalizeError{ID: row.ID, Field: ColTagCountGeneral, Err: fmt.Errorf("negative count %d", row.TagCountGeneral)}
	}

	tags := n.splitTags(row.TagString)
	// Ratings without a pseudo-tag (danbooru's newer "g") add nothing.
	if tag, ok := n.ratingTags[row.Rating]; ok {
		tags = append(tags, tag)
	}

	var url *string
	if row.DownloadURL != nil && *row.DownloadURL != "" {
		u := *row.DownloadURL
		url = &u
	}
	return &models.ImageRecord{
		ID:              row.ID,
		FolderName:      row.FolderName,
		FileName:        row.FileName,
		Extension:       ext,
		DownloadURL:     url,
		TagString:       strings.Join(tags, " "),
		TagCountGeneral: row.TagCountGeneral,
		Deleted:         row.Deleted,
	}, nil
}

func (n *Normalizer) splitTags(s string) []string {
	var parts []string
	if n.delimiter == "" || n.delimiter == " " {
		parts = strings.Fields(s)
	} else {
		parts = strings.Split(s, n.delimiter)
	}
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := CanonicalTag(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// CanonicalTag trims t and replaces inner whitespace runs with a single underscore.
func CanonicalTag(t string) string {
	return strings.Join(strings.Fields(t), "_")
}
