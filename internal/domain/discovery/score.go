// Package discovery implements lexical tool discovery and token-budgeted
// provisioning. Discovery is keyword scoring only; there is no semantic
// (embedding) matching.
package discovery

import (
	"sort"
	"strings"

	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
)

// Score weights for query matches.
const (
	scoreExactName   = 100
	scoreNameSub     = 50
	scoreDescSub     = 25
	scoreCategorySub = 10
)

// Scored pairs a descriptor with its relevance score.
type Scored struct {
	Tool  tool.Descriptor
	Score int
}

// Score computes the relevance of a descriptor for a lowercased query.
// A zero score means no match.
func Score(query string, d *tool.Descriptor) int {
	score := 0
	name := strings.ToLower(d.Name)

	if name == query {
		score += scoreExactName
	} else if strings.Contains(name, query) {
		score += scoreNameSub
	}

	if strings.Contains(strings.ToLower(d.Description), query) {
		score += scoreDescSub
	}

	for _, c := range d.Categories {
		if strings.Contains(strings.ToLower(c), query) {
			score += scoreCategorySub
			break
		}
	}

	for _, c := range d.Capabilities {
		if strings.Contains(strings.ToLower(c), query) {
			score += scoreCategorySub
			break
		}
	}

	return score
}

// Discover ranks tools against the query. An empty or whitespace query, or
// a limit <= 0, returns an empty result. Results are sorted by score
// descending, stable on ties (original iteration order), then truncated to
// limit entries.
func Discover(tools []tool.Descriptor, query string, limit int) []Scored {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" || limit <= 0 {
		return nil
	}

	var matched []Scored
	for i := range tools {
		s := Score(query, &tools[i])
		if s == 0 {
			continue
		}
		matched = append(matched, Scored{Tool: tools[i], Score: s})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Score > matched[j].Score
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}
