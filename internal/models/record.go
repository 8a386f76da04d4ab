// Package models defines core data structures for image records, training batches, and tagging results.
package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Extension is an image file extension accepted by the pipeline.
type Extension string

const (
	ExtPNG  Extension = "png"
	ExtJPG  Extension = "jpg"
	ExtJPEG Extension = "jpeg"
)

// AllowedExtensions is the format whitelist applied to source queries and downloads.
var AllowedExtensions = []Extension{ExtPNG, ExtJPG, ExtJPEG}

// ParseExtension normalizes s (case, leading dot) and returns the matching Extension.
func ParseExtension(s string) (Extension, error) {
	e := Extension(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	if !e.Valid() {
		return "", fmt.Errorf("unsupported extension %q", s)
	}
	return e, nil
}

// Valid reports whether e is in AllowedExtensions.
func (e Extension) Valid() bool {
	for _, a := range AllowedExtensions {
		if e == a {
			return true
		}
	}
	return false
}

// ImageRecord is the canonical unit of the training corpus.
type ImageRecord struct {
	ID              int64     `json:"id" db:"id"`
	FolderName      string    `json:"folder_name" db:"folder_name"`
	FileName        string    `json:"file_name" db:"file_name"`
	Extension       Extension `json:"extension" db:"extension"`
	DownloadURL     *string   `json:"download_url,omitempty" db:"download_url"`
	TagString       string    `json:"tag_string" db:"tag_string"`
	TagCountGeneral int64     `json:"tag_count_general" db:"tag_count_general"`
	// Deleted is carried from the source for filtering; it is not persisted.
	Deleted bool `json:"-" db:"-"`
}

// RelativePath returns <folder>/<file>.<ext>, the record's location under an image root.
func (r *ImageRecord) RelativePath() string {
	return filepath.Join(r.FolderName, r.FileName+"."+string(r.Extension))
}

// Tags splits the tag string into tokens.
func (r *ImageRecord) Tags() []string {
	return strings.Fields(r.TagString)
}
