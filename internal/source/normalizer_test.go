package source

import (
	"errors"
	"testing"

	"github.com/hyperjump/tagger/internal/models"
)

func strPtr(s string) *string { return &s }

func TestNormalizer_Danbooru(t *testing.T) {
	n := NewNormalizer(DanbooruMapping())
	rec, err := n.Normalize(Row{
		ID: 7, FolderName: "ab", FileName: "abcd", Extension: "PNG",
		TagString: "1girl  solo", TagCountGeneral: 2, Rating: "q",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.TagString != "1girl solo rating:questionable" {
		t.Errorf("TagString = %q", rec.TagString)
	}
	if rec.Extension != models.ExtPNG {
		t.Errorf("Extension = %q", rec.Extension)
	}
	if rec.DownloadURL != nil {
		t.Error("DownloadURL should be nil")
	}
}

func TestNormalizer_UnmappedRatingAddsNoTag(t *testing.T) {
	n := NewNormalizer(DanbooruMapping())
	for _, rating := range []string{"g", "x", ""} {
		rec, err := n.Normalize(Row{
			ID: 8, FolderName: "ab", FileName: "abcd", Extension: "png",
			TagString: "1girl solo", TagCountGeneral: 2, Rating: rating,
		})
		if err != nil {
			t.Fatalf("rating %q: %v", rating, err)
		}
		if rec.TagString != "1girl solo" {
			t.Errorf("rating %q: TagString = %q", rating, rec.TagString)
		}
	}
	rec, err := n.Normalize(Row{ID: 9, FolderName: "ab", FileName: "abcd", Extension: "png", TagString: "sky", Rating: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.TagString != "sky rating:safe" {
		t.Errorf("TagString = %q", rec.TagString)
	}
}

func TestNormalizer_Derpibooru(t *testing.T) {
	n := NewNormalizer(DerpibooruMapping())
	rec, err := n.Normalize(Row{
		ID: 12, FolderName: "12", FileName: "0000012", Extension: "png",
		DownloadURL: strPtr("https://derpicdn.net/img/view/2012/1/2/12.png"),
		TagString:   "safe,twilight sparkle, solo ", TagCountGeneral: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.TagString != "safe twilight_sparkle solo" {
		t.Errorf("TagString = %q", rec.TagString)
	}
	if rec.DownloadURL == nil || *rec.DownloadURL == "" {
		t.Error("DownloadURL should be carried")
	}
}

func TestNormalizer_Errors(t *testing.T) {
	n := NewNormalizer(DanbooruMapping())
	tests := []struct {
		name  string
		row   Row
		field string
	}{
		{"bad extension", Row{ID: 1, FolderName: "a", FileName: "b", Extension: "webm"}, ColExtension},
		{"empty file name", Row{ID: 2, FolderName: "a", Extension: "png"}, ColFileName},
		{"empty folder", Row{ID: 3, FileName: "b", Extension: "png"}, ColFolderName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.row)
			var nerr *NormalizeError
			if !errors.As(err, &nerr) {
				t.Fatalf("error = %v, want *NormalizeError", err)
			}
			if nerr.Field != tt.field || nerr.ID != tt.row.ID {
				t.Errorf("NormalizeError = %+v, want field %s", nerr, tt.field)
			}
		})
	}
}

func TestCanonicalTag(t *testing.T) {
	tests := map[string]string{
		"twilight sparkle":   "twilight_sparkle",
		"  padded  ":         "padded",
		"already_canonical":  "already_canonical",
		"":                   "",
		"multi   space  tag": "multi_space_tag",
	}
	for in, want := range tests {
		if got := CanonicalTag(in); got != want {
			t.Errorf("CanonicalTag(%q) = %q, want %q", in, got, want)
		}
	}
}
