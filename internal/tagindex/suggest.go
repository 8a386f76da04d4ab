package tagindex

import (
	"fmt"
	"sort"
	"strings"
)

// Suggestion is an indexed tag close to a term that matched nothing.
type Suggestion struct {
	Tag      string `json:"tag"`
	Distance int    `json:"distance"`
	Count    uint64 `json:"count"`
}

// Suggest returns indexed tags within maxDistance edits of term, closest first and then
// most used. The term itself is never suggested.
func (x *RecordIndex) Suggest(term string, maxDistance, limit int) ([]Suggestion, error) {
	dict, err := x.index.FieldDict("tags")
	if err != nil {
		return nil, fmt.Errorf("read tag dictionary: %w", err)
	}
	defer dict.Close()

	term = strings.ToLower(term)
	var out []Suggestion
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, fmt.Errorf("read tag dictionary: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Term == term {
			continue
		}
		diff := len(entry.Term) - len(term)
		if diff > maxDistance || -diff > maxDistance {
			continue
		}
		if d := levenshtein(term, entry.Term); d <= maxDistance {
			out = append(out, Suggestion{Tag: entry.Term, Distance: d, Count: entry.Count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// tagCount returns how many records carry tag.
func (x *RecordIndex) tagCount(tag string) (uint64, error) {
	dict, err := x.index.FieldDictRange("tags", []byte(tag), []byte(tag))
	if err != nil {
		return 0, err
	}
	defer dict.Close()
	entry, err := dict.Next()
	if err != nil || entry == nil || entry.Term != tag {
		return 0, err
	}
	return entry.Count, nil
}

// suggestQuery maps each wanted tag of an empty result that is not indexed at all to
// its nearest indexed tags.
func (x *RecordIndex) suggestQuery(query string) map[string][]string {
	out := map[string][]string{}
	for _, tok := range strings.Fields(query) {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		if n, err := x.tagCount(tok); err != nil || n > 0 {
			continue
		}
		sugs, err := x.Suggest(tok, 2, 3)
		if err != nil || len(sugs) == 0 {
			continue
		}
		for _, s := range sugs {
			out[tok] = append(out[tok], s.Tag)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// levenshtein is the rune-wise edit distance between a and b.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
