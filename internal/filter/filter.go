// Package filter runs the local content checks that decide whether a posting is
// worth an expensive scoring call.
package filter

import (
	"regexp"
	"sort"
	"strings"
)

// Rejection reasons reported in Verdict.Reason.
const (
	ReasonExcluded    = "excluded_keyword"
	ReasonNotRelevant = "no_relevant_keyword"
)

// Verdict is the outcome of Validate.
type Verdict struct {
	Accepted bool
	Reason   string
	Matched  []string
}

// Validator holds precompiled matchers; it is safe for concurrent use.
type Validator struct {
	exclude   *matcher
	relevance *matcher
	vocab     *matcher
	vocabList []string
}

// NewValidator compiles the keyword lists once. Empty lists disable the
// corresponding check.
func NewValidator(exclude, relevance, vocabulary []string) *Validator {
	return &Validator{
		exclude:   newMatcher(exclude),
		relevance: newMatcher(relevance),
		vocab:     newMatcher(vocabulary),
		vocabList: normalizeList(vocabulary),
	}
}

// Validate rejects text containing an excluded keyword, or text with none of
// the relevance keywords when any are configured.
func (v *Validator) Validate(text string) Verdict {
	if hits := v.exclude.find(text); len(hits) > 0 {
		return Verdict{Accepted: false, Reason: ReasonExcluded, Matched: hits}
	}
	if v.relevance == nil {
		return Verdict{Accepted: true}
	}
	hits := v.relevance.find(text)
	if len(hits) == 0 {
		return Verdict{Accepted: false, Reason: ReasonNotRelevant}
	}
	return Verdict{Accepted: true, Matched: hits}
}

// Tags returns vocabulary terms present in text, in vocabulary order, without duplicates.
func (v *Validator) Tags(text string) []string {
	hits := v.vocab.find(text)
	if len(hits) == 0 {
		return nil
	}
	found := make(map[string]bool, len(hits))
	for _, h := range hits {
		found[strings.ToLower(h)] = true
	}
	out := make([]string, 0, len(hits))
	for _, term := range v.vocabList {
		if found[strings.ToLower(term)] {
			out = append(out, term)
		}
	}
	return out
}

// matcher is a single alternation over all keywords. Boundaries are any
// non letter/digit rune so Cyrillic keywords work too.
type matcher struct {
	re       *regexp.Regexp
	original map[string]string
}

func newMatcher(keywords []string) *matcher {
	list := normalizeList(keywords)
	if len(list) == 0 {
		return nil
	}
	original := make(map[string]string, len(list))
	quoted := make([]string, 0, len(list))
	for _, k := range list {
		original[strings.ToLower(k)] = k
		quoted = append(quoted, regexp.QuoteMeta(k))
	}
	// Leftmost-first alternation: longer phrases must win over their prefixes.
	sort.SliceStable(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	pattern := `(?i)(?:^|[^\p{L}\p{N}])(` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}\p{N}])`
	return &matcher{re: regexp.MustCompile(pattern), original: original}
}

// find returns distinct configured keywords found in text, in order of first appearance.
func (m *matcher) find(text string) []string {
	if m == nil || text == "" {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	pos := 0
	for pos < len(text) {
		loc := m.re.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[2], pos+loc[3]
		key := strings.ToLower(text[start:end])
		if !seen[key] {
			seen[key] = true
			name, ok := m.original[key]
			if !ok {
				name = text[start:end]
			}
			out = append(out, name)
		}
		// Resume at the end of the keyword so a shared separator can start the next match.
		if end <= pos {
			end = pos + 1
		}
		pos = end
	}
	return out
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		out = append(out, k)
	}
	return out
}
