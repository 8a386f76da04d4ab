// Package dataset turns canonical records into model-ready minibatches.
package dataset

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadTags reads a tag vocabulary file: one tag per line, blank lines ignored, order kept.
func LoadTags(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tags: %w", err)
	}
	defer f.Close()

	var tags []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if tag := strings.TrimSpace(sc.Text()); tag != "" {
			tags = append(tags, tag)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("tags file %s is empty", path)
	}
	return tags, nil
}

// Vocabulary maps tags to output positions.
type Vocabulary struct {
	tags  []string
	index map[string]int
}

// NewVocabulary indexes tags in order. A repeated tag keeps its first position.
func NewVocabulary(tags []string) *Vocabulary {
	v := &Vocabulary{tags: tags, index: make(map[string]int, len(tags))}
	for i, t := range tags {
		if _, ok := v.index[t]; !ok {
			v.index[t] = i
		}
	}
	return v
}

// Len is the output dimension.
func (v *Vocabulary) Len() int {
	return len(v.tags)
}

// Tag returns the tag at position i.
func (v *Vocabulary) Tag(i int) string {
	return v.tags[i]
}

// Tags returns the ordered tag list.
func (v *Vocabulary) Tags() []string {
	return v.tags
}

// Encode returns the multi-hot target for a space-separated tag string. Tags outside the
// vocabulary are ignored.
func (v *Vocabulary) Encode(tagString string) []float32 {
	out := make([]float32, len(v.tags))
	for _, t := range strings.Fields(tagString) {
		if i, ok := v.index[t]; ok {
			out[i] = 1
		}
	}
	return out
}
