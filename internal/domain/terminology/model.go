package terminology

import (
	"github.com/clinicdoc/voicedoc/internal/platform/extract"
)

const icd10SystemURI = "http://hl7.org/fhir/sid/icd-10"

// ICD10Code is one row of the ICD-10 reference table.
type ICD10Code struct {
	Code      string `db:"code" json:"code"`
	Display   string `db:"display" json:"display"`
	Category  string `db:"category" json:"category,omitempty"`
	Chapter   string `db:"chapter" json:"chapter,omitempty"`
	SystemURI string `db:"system_uri" json:"system_uri"`
}

// ScoredCode is a code-lookup hit with the backend's relevance score.
type ScoredCode struct {
	Code    string  `json:"code"`
	Display string  `json:"display"`
	Score   float64 `json:"score"`
}

// MedicalTerm is a reference vocabulary entry.
type MedicalTerm struct {
	Term           string   `db:"term" json:"term"`
	Category       string   `db:"category" json:"category"`
	Language       string   `db:"language" json:"language"`
	Synonyms       []string `db:"synonyms" json:"synonyms"`
	CodeCandidates []string `db:"code_candidates" json:"code_candidates"`
}

// ToExtract converts the entry to the extractor's vocabulary form.
func (t *MedicalTerm) ToExtract() extract.Term {
	return extract.Term{
		Term:           t.Term,
		Category:       t.Category,
		Synonyms:       t.Synonyms,
		CodeCandidates: t.CodeCandidates,
	}
}

// TermFilter narrows a vocabulary listing.
type TermFilter struct {
	Category string
	Search   string
	Language string
}

// ValidCategory reports whether c is a known term category.
func ValidCategory(c string) bool {
	switch c {
	case extract.CategorySymptom, extract.CategoryFinding, extract.CategoryDiagnosis,
		extract.CategoryMedication, extract.CategoryProcedure:
		return true
	}
	return false
}
