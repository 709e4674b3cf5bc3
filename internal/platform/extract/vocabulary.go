package extract

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

// Entity categories.
const (
	CategorySymptom    = "symptom"
	CategoryFinding    = "finding"
	CategoryDiagnosis  = "diagnosis"
	CategoryMedication = "medication"
	CategoryProcedure  = "procedure"
)

// Term is one reference vocabulary entry.
type Term struct {
	Term           string   `json:"term"`
	Category       string   `json:"category"`
	Synonyms       []string `json:"synonyms,omitempty"`
	CodeCandidates []string `json:"code_candidates,omitempty"`
}

// Codable reports whether entities of this category get code suggestions.
func (t Term) Codable() bool { return codable(t.Category) }

func codable(category string) bool {
	switch category {
	case CategorySymptom, CategoryFinding, CategoryDiagnosis:
		return true
	}
	return false
}

type variant struct {
	folded string
	term   int
}

// Vocabulary is an immutable, pre-folded view of the reference terms. It is
// shared by all sessions without locking.
type Vocabulary struct {
	terms    []Term
	variants []variant
}

// NewVocabulary folds every term and synonym once.
func NewVocabulary(terms []Term) *Vocabulary {
	v := &Vocabulary{terms: append([]Term(nil), terms...)}
	for i, t := range v.terms {
		seen := make(map[string]bool)
		for _, s := range append([]string{t.Term}, t.Synonyms...) {
			f := strings.Join(strings.Fields(transcript.Fold(s)), " ")
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			v.variants = append(v.variants, variant{folded: f, term: i})
		}
	}
	return v
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

type span struct {
	start, end int
	term       int
}

// scan finds whole-word occurrences of every variant in folded text. Longer
// matches win over overlapping shorter ones; results are ordered by start.
func (v *Vocabulary) scan(folded string) []span {
	var found []span
	for _, vr := range v.variants {
		from := 0
		for from < len(folded) {
			i := strings.Index(folded[from:], vr.folded)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(vr.folded)
			if boundaryBefore(folded, start) && boundaryAfter(folded, end) {
				found = append(found, span{start: start, end: end, term: vr.term})
			}
			from = start + 1
		}
	}

	sort.Slice(found, func(i, j int) bool {
		li, lj := found[i].end-found[i].start, found[j].end-found[j].start
		if li != lj {
			return li > lj
		}
		if found[i].start != found[j].start {
			return found[i].start < found[j].start
		}
		return found[i].term < found[j].term
	})

	var kept []span
	for _, s := range found {
		overlaps := false
		for _, k := range kept {
			if s.start < k.end && k.start < s.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
