package terminology

import (
	"context"
	"fmt"
	"strings"

	"github.com/clinicdoc/voicedoc/internal/platform/extract"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

// Service provides code lookup and vocabulary access.
type Service struct {
	codes CodeSearcher
	terms VocabularyRepository
}

// NewService creates a new terminology service.
func NewService(codes CodeSearcher, terms VocabularyRepository) *Service {
	return &Service{codes: codes, terms: terms}
}

// SearchCodes searches the code backend.
func (s *Service) SearchCodes(ctx context.Context, text string, limit int) ([]ScoredCode, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query parameter is required")
	}
	if limit <= 0 {
		limit = 20
	}
	return s.codes.SearchCodes(ctx, text, limit)
}

// Search implements extract.CodeLookup. The backend order and score are
// passed through unchanged.
func (s *Service) Search(ctx context.Context, text string, limit int) ([]extract.CodeSuggestion, error) {
	hits, err := s.SearchCodes(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	out := make([]extract.CodeSuggestion, 0, len(hits))
	for _, h := range hits {
		out = append(out, extract.CodeSuggestion{Code: h.Code, Label: h.Display, Score: h.Score})
	}
	return out, nil
}

// ListTerms lists vocabulary entries.
func (s *Service) ListTerms(ctx context.Context, filter TermFilter) ([]*MedicalTerm, error) {
	if filter.Category != "" && !ValidCategory(filter.Category) {
		return nil, fmt.Errorf("invalid category: %s", filter.Category)
	}
	return s.terms.ListTerms(ctx, filter)
}

// Vocabulary builds the extractor's vocabulary for a language.
func (s *Service) Vocabulary(ctx context.Context, language string) (*extract.Vocabulary, error) {
	terms, err := s.terms.ListTerms(ctx, TermFilter{Language: language})
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	out := make([]extract.Term, 0, len(terms))
	for _, t := range terms {
		out = append(out, t.ToExtract())
	}
	return extract.NewVocabulary(out), nil
}

// StaticVocabulary serves a fixed term list.
type StaticVocabulary struct {
	terms []*MedicalTerm
}

// NewStaticVocabulary wraps terms.
func NewStaticVocabulary(terms []*MedicalTerm) *StaticVocabulary {
	return &StaticVocabulary{terms: terms}
}

// ListTerms implements VocabularyRepository.
func (v *StaticVocabulary) ListTerms(_ context.Context, filter TermFilter) ([]*MedicalTerm, error) {
	search := transcript.Normalize(filter.Search)
	var out []*MedicalTerm
	for _, t := range v.terms {
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		if filter.Language != "" && t.Language != "" && t.Language != filter.Language {
			continue
		}
		if search != "" && !matchesTerm(t, search) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func matchesTerm(t *MedicalTerm, search string) bool {
	if strings.Contains(transcript.Normalize(t.Term), search) {
		return true
	}
	for _, s := range t.Synonyms {
		if strings.Contains(transcript.Normalize(s), search) {
			return true
		}
	}
	return false
}
