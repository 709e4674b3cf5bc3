package terminology

import (
	"context"
)

// CodeSearcher is a code-lookup backend. Results are ordered by the backend's
// own relevance, highest first.
type CodeSearcher interface {
	SearchCodes(ctx context.Context, text string, limit int) ([]ScoredCode, error)
}

// VocabularyRepository provides read-only access to medical terms.
type VocabularyRepository interface {
	ListTerms(ctx context.Context, filter TermFilter) ([]*MedicalTerm, error)
}
