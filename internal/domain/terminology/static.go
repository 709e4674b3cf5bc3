package terminology

import (
	"context"
	"sort"
	"strings"

	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

// termCodeScore is the score given to a code listed as a candidate of a
// vocabulary term whose name or synonym equals the query.
const termCodeScore = 0.95

const minStaticScore = 0.5

type staticCode struct {
	code   ICD10Code
	folded string
}

// StaticIndex is an in-memory code searcher over a fixed code list. It serves
// development and the embedded SQLite deployment.
type StaticIndex struct {
	codes []staticCode
	byKey map[string][]string
}

// NewStaticIndex indexes codes and the code candidates of terms.
func NewStaticIndex(codes []ICD10Code, terms []*MedicalTerm) *StaticIndex {
	idx := &StaticIndex{byKey: make(map[string][]string)}
	for _, c := range codes {
		idx.codes = append(idx.codes, staticCode{code: c, folded: transcript.Normalize(c.Display)})
	}
	for _, t := range terms {
		if len(t.CodeCandidates) == 0 {
			continue
		}
		for _, s := range append([]string{t.Term}, t.Synonyms...) {
			key := transcript.Normalize(s)
			idx.byKey[key] = append(idx.byKey[key], t.CodeCandidates...)
		}
	}
	return idx
}

// SearchCodes implements CodeSearcher.
func (s *StaticIndex) SearchCodes(ctx context.Context, text string, limit int) ([]ScoredCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := transcript.Normalize(text)
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	scores := make(map[string]float64)
	for _, code := range s.byKey[q] {
		scores[code] = termCodeScore
	}
	for _, c := range s.codes {
		var score float64
		switch {
		case c.folded == q || strings.EqualFold(c.code.Code, text):
			score = 1
		case strings.Contains(c.folded, q):
			score = 0.5 + 0.5*float64(len(q))/float64(len(c.folded))
		default:
			score = transcript.Similarity(q, c.folded)
		}
		if score > scores[c.code.Code] {
			scores[c.code.Code] = score
		}
	}

	var out []ScoredCode
	for _, c := range s.codes {
		score, ok := scores[c.code.Code]
		if !ok || score < minStaticScore {
			continue
		}
		out = append(out, ScoredCode{Code: c.code.Code, Display: c.code.Display, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
