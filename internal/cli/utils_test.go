package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/tagger/internal/models"
)

func sampleTags() []FileTags {
	return []FileTags{
		{Path: "a.png", Tags: []models.TagScore{{Tag: "cat", Confidence: 0.91}, {Tag: "outdoors", Confidence: 0.6}}},
		{Path: "b.png", Error: "decode image: unknown format"},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{"JSON", OutputJSON, false},
		{"compact", OutputCompact, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteTagResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTagResults(&buf, sampleTags(), OutputJSON); err != nil {
		t.Fatalf("WriteTagResults(json): %v", err)
	}
	var decoded []FileTags
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if len(decoded) != 2 || decoded[0].Tags[0].Tag != "cat" || decoded[1].Error == "" {
		t.Errorf("decoded = %+v", decoded)
	}
	if !strings.Contains(buf.String(), `"matching_tags"`) {
		t.Errorf("expected matching_tags key:\n%s", buf.String())
	}
}

func TestWriteTagResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTagResults(&buf, sampleTags(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"Tags of a.png:", "(0.910) cat", "(0.600) outdoors", "error: decode image"} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
}

func TestWriteTagResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTagResults(&buf, sampleTags(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	want := "a.png\tcat outdoors\nb.png\t\n"
	if buf.String() != want {
		t.Errorf("compact = %q, want %q", buf.String(), want)
	}
}

func TestWriteRecordResults(t *testing.T) {
	resp := &models.RecordSearchResponse{
		Query:     "cat",
		Total:     2,
		QueryTime: 3,
		Hits: []*models.RecordHit{
			{ID: 7, Score: 1.5, Record: &models.ImageRecord{ID: 7, FolderName: "ab", FileName: "abcd", Extension: models.ExtJPG, TagString: "cat solo"}},
			{ID: 9, Score: 0.5},
		},
	}

	var buf bytes.Buffer
	if err := WriteRecordResults(&buf, resp, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"Found 2 records in 3ms", "#7", filepath.Join("ab", "abcd.jpg"), "cat solo", "#9"} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}

	buf.Reset()
	if err := WriteRecordResults(&buf, resp, OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "7\t1.5000\t") || lines[1] != "9\t0.5000\t" {
		t.Errorf("compact lines = %q", lines)
	}

	buf.Reset()
	if err := WriteRecordResults(&buf, resp, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded models.RecordSearchResponse
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded.Total != 2 {
		t.Errorf("json decode = %+v, %v", decoded, err)
	}
}

func TestWriteRecordResults_Suggestions(t *testing.T) {
	resp := &models.RecordSearchResponse{
		Query:       "1gril solo",
		Suggestions: map[string][]string{"1gril": {"1girl", "girl"}},
	}
	var buf bytes.Buffer
	if err := WriteRecordResults(&buf, resp, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `Did you mean 1girl, girl for "1gril"?`) {
		t.Errorf("missing suggestion line:\n%s", buf.String())
	}
}
