package models

// TagScore is a single tag prediction.
type TagScore struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
}

// EvaluateResponse is the response of the evaluate endpoint.
// MatchingTags is sorted by confidence, highest first.
type EvaluateResponse struct {
	MatchingTags []TagScore `json:"matching_tags"`
}

// RecordHit is a single record search hit.
type RecordHit struct {
	ID     int64        `json:"id"`
	Score  float64      `json:"score"`
	Record *ImageRecord `json:"record,omitempty"`
}

// RecordSearchResponse is the response for a record search request.
type RecordSearchResponse struct {
	Hits      []*RecordHit `json:"hits"`
	Total     uint64       `json:"total"`
	QueryTime int64        `json:"query_time_ms"`
	Query     string       `json:"query"`

	// Suggestions maps unknown query tags to close indexed tags when nothing matched.
	Suggestions map[string][]string `json:"suggestions,omitempty"`
}
