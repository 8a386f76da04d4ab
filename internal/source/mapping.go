package source

import (
	"fmt"
	"strings"
)

// Canonical column names a mapping must provide.
const (
	ColID              = "id"
	ColFolderName      = "folder_name"
	ColFileName        = "file_name"
	ColExtension       = "extension"
	ColDownloadURL     = "download_url"
	ColTagString       = "tag_string"
	ColTagCountGeneral = "tag_count_general"
	ColDeleted         = "deleted"
	// ColRating is optional; when present its value becomes a rating pseudo-tag.
	ColRating = "rating"
)

// RequiredColumns lists, in select order, the columns every mapping defines.
var RequiredColumns = []string{
	ColID, ColFolderName, ColFileName, ColExtension,
	ColDownloadURL, ColTagString, ColTagCountGeneral, ColDeleted,
}

// Mapping declares how canonical columns are computed from a backend's schema.
// Column values are SQL expressions in the backend's dialect.
type Mapping struct {
	// From is the FROM clause, joins included.
	From    string
	Columns map[string]string
	// Where holds static predicates ANDed into every fetch.
	Where   []string
	GroupBy string
	// TagDelimiter separates tags in the tag_string column.
	TagDelimiter string
	// RatingTags maps raw rating values to pseudo-tags.
	RatingTags map[string]string
}

// Validate checks that every required column has an expression.
func (m *Mapping) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("mapping has no FROM clause")
	}
	for _, c := range RequiredColumns {
		if strings.TrimSpace(m.Columns[c]) == "" {
			return fmt.Errorf("%s: %w", c, ErrMissingColumn)
		}
	}
	if _, ok := m.Columns[ColRating]; ok && len(m.RatingTags) == 0 {
		return fmt.Errorf("rating column mapped without rating tags")
	}
	return nil
}

// Expr returns the expression for a canonical column.
func (m *Mapping) Expr(col string) string {
	return m.Columns[col]
}

// HasRating reports whether the mapping selects a rating column.
func (m *Mapping) HasRating() bool {
	_, ok := m.Columns[ColRating]
	return ok
}

// DanbooruMapping reads the posts table of a danbooru SQLite dump. Images are sharded
// by the first two hex characters of their md5.
func DanbooruMapping() *Mapping {
	return &Mapping{
		From: "posts",
		Columns: map[string]string{
			ColID:              "id",
			ColFolderName:      "substr(md5, 1, 2)",
			ColFileName:        "md5",
			ColExtension:       "lower(file_ext)",
			ColDownloadURL:     "NULL",
			ColTagString:       "tag_string",
			ColTagCountGeneral: "tag_count_general",
			ColDeleted:         "is_deleted",
			ColRating:          "rating",
		},
		TagDelimiter: " ",
		RatingTags: map[string]string{
			"s": "rating:safe",
			"q": "rating:questionable",
			"e": "rating:explicit",
		},
	}
}

const derpibooruExtension = `(CASE WHEN lower(i.image_format) = 'svg' THEN 'png' ELSE lower(i.image_format) END)`

// DerpibooruMapping aggregates tags per image across image_taggings and tags. Images are
// sharded by the last two digits of the seven-digit zero-padded id; svg uploads are
// fetched as their png rendition.
func DerpibooruMapping() *Mapping {
	return &Mapping{
		From: "image_taggings INNER JOIN images i ON i.id = image_taggings.image_id " +
			"INNER JOIN tags t ON t.id = image_taggings.tag_id",
		Columns: map[string]string{
			ColID:         "i.id",
			ColFolderName: "right(lpad(i.id::text, 7, '0'), 2)",
			ColFileName:   "lpad(i.id::text, 7, '0')",
			ColExtension:  derpibooruExtension,
			ColDownloadURL: "concat('https://derpicdn.net/img/view/', " +
				"to_char(i.created_at, 'YYYY/fmMM/fmDD/'), i.id, '.', " + derpibooruExtension + ")",
			ColTagString:       "string_agg(t.name, ',')",
			ColTagCountGeneral: "count(t.id)",
			ColDeleted:         "false",
		},
		Where: []string{
			"((lower(i.image_format) = 'png' AND i.image_mime_type = 'image/png')" +
				" OR (lower(i.image_format) IN ('jpg', 'jpeg') AND i.image_mime_type = 'image/jpeg')" +
				" OR (lower(i.image_format) = 'svg' AND i.image_mime_type = 'image/svg+xml'))",
		},
		GroupBy:      "i.id",
		TagDelimiter: ",",
	}
}
