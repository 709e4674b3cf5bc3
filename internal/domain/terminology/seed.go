package terminology

import "github.com/clinicdoc/voicedoc/internal/platform/extract"

// DefaultTerms is the built-in Brazilian Portuguese vocabulary used when no
// medical_term table is available.
func DefaultTerms() []*MedicalTerm {
	return []*MedicalTerm{
		{Term: "dor abdominal", Category: extract.CategorySymptom, Language: "pt-BR",
			Synonyms: []string{"dor no abdome", "abdominalgia", "dor de barriga"}, CodeCandidates: []string{"R10.9", "K59.0"}},
		{Term: "apendicite", Category: extract.CategoryDiagnosis, Language: "pt-BR",
			Synonyms: []string{"apendicite aguda", "inflamação do apêndice"}, CodeCandidates: []string{"K35.9"}},
		{Term: "febre", Category: extract.CategorySymptom, Language: "pt-BR",
			Synonyms: []string{"hipertermia", "temperatura elevada"}, CodeCandidates: []string{"R50.9"}},
		{Term: "náusea", Category: extract.CategorySymptom, Language: "pt-BR",
			Synonyms: []string{"enjoo", "vontade de vomitar"}, CodeCandidates: []string{"R11.0"}},
		{Term: "vômito", Category: extract.CategorySymptom, Language: "pt-BR",
			Synonyms: []string{"emese", "vomitar"}, CodeCandidates: []string{"R11.1"}},
		{Term: "cefaleia", Category: extract.CategorySymptom, Language: "pt-BR",
			Synonyms: []string{"dor de cabeça", "cefalalgia"}, CodeCandidates: []string{"R51"}},
		{Term: "hipertensão", Category: extract.CategoryDiagnosis, Language: "pt-BR",
			Synonyms: []string{"pressão alta", "HAS"}, CodeCandidates: []string{"I10"}},
		{Term: "diabetes", Category: extract.CategoryDiagnosis, Language: "pt-BR",
			Synonyms: []string{"DM", "diabetes mellitus"}, CodeCandidates: []string{"E11.9"}},
		{Term: "tosse", Category: extract.CategorySymptom, Language: "pt-BR",
			Synonyms: []string{"tosse seca", "tosse produtiva"}, CodeCandidates: []string{"R05"}},
		{Term: "dispneia", Category: extract.CategorySymptom, Language: "pt-BR",
			Synonyms: []string{"falta de ar"}, CodeCandidates: []string{"R06.0"}},
		{Term: "dipirona", Category: extract.CategoryMedication, Language: "pt-BR",
			Synonyms: []string{"metamizol"}},
		{Term: "paracetamol", Category: extract.CategoryMedication, Language: "pt-BR",
			Synonyms: []string{"acetaminofeno"}},
		{Term: "ibuprofeno", Category: extract.CategoryMedication, Language: "pt-BR"},
		{Term: "amoxicilina", Category: extract.CategoryMedication, Language: "pt-BR"},
		{Term: "losartana", Category: extract.CategoryMedication, Language: "pt-BR"},
		{Term: "metformina", Category: extract.CategoryMedication, Language: "pt-BR"},
		{Term: "omeprazol", Category: extract.CategoryMedication, Language: "pt-BR"},
		{Term: "hemograma", Category: extract.CategoryProcedure, Language: "pt-BR",
			Synonyms: []string{"hemograma completo"}},
	}
}

// DefaultICD10 is the built-in code subset backing the static lookup.
func DefaultICD10() []ICD10Code {
	codes := []ICD10Code{
		{Code: "R10.9", Display: "Dor abdominal não especificada", Chapter: "XVIII"},
		{Code: "K59.0", Display: "Constipação", Chapter: "XI"},
		{Code: "K35.8", Display: "Outras formas de apendicite aguda", Chapter: "XI"},
		{Code: "K35.9", Display: "Apendicite aguda não especificada", Chapter: "XI"},
		{Code: "R50.9", Display: "Febre não especificada", Chapter: "XVIII"},
		{Code: "R11.0", Display: "Náusea", Chapter: "XVIII"},
		{Code: "R11.1", Display: "Vômitos", Chapter: "XVIII"},
		{Code: "R51", Display: "Cefaléia", Chapter: "XVIII"},
		{Code: "G44.2", Display: "Cefaléia tensional", Chapter: "VI"},
		{Code: "G43.9", Display: "Enxaqueca sem especificação", Chapter: "VI"},
		{Code: "I10", Display: "Hipertensão essencial (primária)", Chapter: "IX"},
		{Code: "E11.9", Display: "Diabetes mellitus não-insulino-dependente sem complicações", Chapter: "IV"},
		{Code: "E14.9", Display: "Diabetes mellitus não especificado sem complicações", Chapter: "IV"},
		{Code: "R05", Display: "Tosse", Chapter: "XVIII"},
		{Code: "R06.0", Display: "Dispnéia", Chapter: "XVIII"},
		{Code: "J06.9", Display: "Infecção aguda das vias aéreas superiores não especificada", Chapter: "X"},
		{Code: "R53", Display: "Mal estar, fadiga", Chapter: "XVIII"},
	}
	for i := range codes {
		codes[i].SystemURI = icd10SystemURI
	}
	return codes
}
