package sources

import (
	"sort"
	"strings"

	"github.com/syng-dev/syng-go/internal/model"
)

// Tokenize splits a query shell-style into lowercased whitespace-separated
// tokens.
func Tokenize(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// rank scores a candidate against the query tokens: 1 - hits/len(tokens),
// so fewer misses rank first. A candidate matches only when every token is
// a substring of the lowercased "title artist" text.
func rank(title, artist string, tokens []string) (float64, bool) {
	if len(tokens) == 0 {
		return 0, true
	}
	haystack := strings.ToLower(title + " " + artist)
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			hits++
		}
	}
	if hits < len(tokens) {
		return 1 - float64(hits)/float64(len(tokens)), false
	}
	return 0, true
}

// RankResults filters candidates down to those matching every query token
// and orders them by rank ascending, preserving the source's natural order
// between ties.
func RankResults(candidates []model.Result, query string) []model.Result {
	tokens := Tokenize(query)
	type scored struct {
		result model.Result
		rank   float64
		pos    int
	}
	var matched []scored
	for i, c := range candidates {
		r, ok := rank(c.Title, c.Artist, tokens)
		if !ok {
			continue
		}
		matched = append(matched, scored{result: c, rank: r, pos: i})
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].rank != matched[j].rank {
			return matched[i].rank < matched[j].rank
		}
		return matched[i].pos < matched[j].pos
	})
	out := make([]model.Result, len(matched))
	for i, s := range matched {
		out[i] = s.result
	}
	return out
}
