// Package fuzzy matches free-text library filters against series titles,
// authors and tags with some tolerance for typos. Distances are computed on
// runes so kana and kanji count as one character each.
package fuzzy

import (
	"sort"
	"strings"
	"unicode"

	"novelsync/internal/domain"
)

// Distance returns the case-insensitive edit distance between two strings.
func Distance(a, b string) int {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
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

// Similarity is 1 for identical strings and falls towards 0 as they differ.
func Similarity(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(Distance(a, b))/float64(longest)
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// threshold is stricter for short words, where one typo changes a lot.
func threshold(word string) float64 {
	switch n := len([]rune(word)); {
	case n <= 3:
		return 0.8
	case n <= 5:
		return 0.7
	default:
		return 0.65
	}
}

// Contains reports whether query occurs in text, exactly or approximately.
func Contains(text, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}
	if strings.Contains(strings.ToLower(text), strings.ToLower(query)) {
		return true
	}

	textWords := words(text)
	queryWords := words(query)
	if len(queryWords) == 0 {
		return false
	}
	matched := 0
	for _, q := range queryWords {
		for _, w := range textWords {
			if Similarity(w, q) >= threshold(q) {
				matched++
				break
			}
		}
	}
	return float64(matched)/float64(len(queryWords)) >= 0.6
}

// Score ranks how well text matches query: prefix matches beat substring
// matches, which beat approximate ones.
func Score(text, query string) float64 {
	lower := strings.ToLower(text)
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	if strings.HasPrefix(lower, q) {
		return 1
	}
	if strings.Contains(lower, q) {
		return 0.95
	}

	textWords := words(text)
	queryWords := words(query)
	if len(queryWords) == 0 {
		return 0
	}
	var total float64
	for _, qw := range queryWords {
		var best float64
		for _, w := range textWords {
			best = max(best, Similarity(w, qw))
		}
		total += best
	}
	return total / float64(len(queryWords)) * 0.9
}

func seriesFields(s domain.Series) []string {
	return []string{s.Code, s.Title, s.Author, s.Keywords}
}

// FilterSeries keeps the series whose code, title, author or keywords match
// query and orders them best match first. Ties keep their input order.
func FilterSeries(series []domain.Series, query string) []domain.Series {
	type scored struct {
		series domain.Series
		score  float64
	}
	var hits []scored
	for _, s := range series {
		var best float64
		found := false
		for _, field := range seriesFields(s) {
			if Contains(field, query) {
				found = true
				best = max(best, Score(field, query))
			}
		}
		if found {
			hits = append(hits, scored{series: s, score: best})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]domain.Series, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.series)
	}
	return out
}
