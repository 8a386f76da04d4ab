// Package cli formats command output for the tagger binary.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/tagger/internal/models"
	"github.com/hyperjump/tagger/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
	// OutputCompact is one line per item, tab separated.
	OutputCompact OutputFormat = "compact"
)

// ParseFormat maps a flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputJSON, OutputCompact:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or compact)", s)
	}
}

// FileTags is the evaluation result for one image.
type FileTags struct {
	Path  string            `json:"path"`
	Tags  []models.TagScore `json:"matching_tags"`
	Error string            `json:"error,omitempty"`
}

// WriteTagResults writes evaluation results to w in the given format.
func WriteTagResults(w io.Writer, results []FileTags, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case OutputCompact:
		for _, r := range results {
			names := make([]string, len(r.Tags))
			for i, t := range r.Tags {
				names[i] = t.Tag
			}
			fmt.Fprintf(w, "%s\t%s\n", r.Path, strings.Join(names, " "))
		}
		return nil
	default:
		for _, r := range results {
			fmt.Fprintf(w, "Tags of %s:\n", r.Path)
			if r.Error != "" {
				fmt.Fprintf(w, "  error: %s\n", r.Error)
				continue
			}
			for _, t := range r.Tags {
				fmt.Fprintf(w, "  (%.3f) %s\n", t.Confidence, t.Tag)
			}
		}
		return nil
	}
}

// WriteRecordResults writes a record search response to w in the given format.
func WriteRecordResults(w io.Writer, resp *models.RecordSearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case OutputCompact:
		for _, h := range resp.Hits {
			path := ""
			if h.Record != nil {
				path = h.Record.RelativePath()
			}
			fmt.Fprintf(w, "%d\t%.4f\t%s\n", h.ID, h.Score, path)
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d records in %dms\n\n", resp.Total, resp.QueryTime)
		if len(resp.Suggestions) > 0 {
			terms := make([]string, 0, len(resp.Suggestions))
			for term := range resp.Suggestions {
				terms = append(terms, term)
			}
			sort.Strings(terms)
			for _, term := range terms {
				fmt.Fprintf(w, "Did you mean %s for %q?\n", strings.Join(resp.Suggestions[term], ", "), term)
			}
		}
		for i, h := range resp.Hits {
			fmt.Fprintf(w, "%3d. #%d (score %.4f)\n", i+1, h.ID, h.Score)
			if h.Record != nil {
				fmt.Fprintf(w, "     %s\n", h.Record.RelativePath())
				fmt.Fprintf(w, "     %s\n", utils.Truncate(h.Record.TagString, 120))
			}
		}
		return nil
	}
}
