package models

import "fmt"

// RecordQuery is a tag search over the canonical store.
// Query uses the search index syntax unless MatchAll is set, in which case every
// whitespace-separated tag must be present on a hit.
type RecordQuery struct {
	Query          string `json:"query"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
	MatchAll       bool   `json:"match_all,omitempty"`
	IncludeRecords bool   `json:"include_records,omitempty"`
}

// Validate ensures the query has valid fields and sets defaults.
func (q *RecordQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return nil
}
