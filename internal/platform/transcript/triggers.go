package transcript

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Canonical section names.
const (
	SectionSubjective   = "subjective"
	SectionObjective    = "objective"
	SectionAssessment   = "assessment"
	SectionPlan         = "plan"
	SectionUnclassified = "unclassified"
)

// SectionTriggers lists the spoken phrases that open a section.
type SectionTriggers struct {
	Section string   `yaml:"section"`
	Phrases []string `yaml:"phrases"`
}

// Triggers is the full phrase configuration.
type Triggers struct {
	Sections    []SectionTriggers `yaml:"sections"`
	Corrections []string          `yaml:"corrections"`
}

// DefaultTriggers returns the built-in Brazilian Portuguese phrase set.
func DefaultTriggers() Triggers {
	return Triggers{
		Sections: []SectionTriggers{
			{Section: SectionSubjective, Phrases: []string{
				"queixa principal", "adicionar queixa", "história da doença atual",
				"história da doença", "anamnese", "relato do paciente", "sintomas", "subjetivo",
			}},
			{Section: SectionObjective, Phrases: []string{
				"exame físico", "achados do exame", "sinais vitais", "inspeção",
				"palpação", "ausculta", "percussão", "objetivo",
			}},
			{Section: SectionAssessment, Phrases: []string{
				"hipótese diagnóstica", "impressão diagnóstica", "diagnóstico", "avaliação",
				"conclusão",
			}},
			{Section: SectionPlan, Phrases: []string{
				"conduta", "plano terapêutico", "plano", "tratamento", "exames complementares",
				"medicação", "orientações", "prescrição",
			}},
		},
		Corrections: []string{"corrigir", "correção", "retificar", "apagar último"},
	}
}

// LoadTriggers reads a YAML phrase file.
func LoadTriggers(path string) (Triggers, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Triggers{}, fmt.Errorf("read triggers file: %w", err)
	}
	var t Triggers
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Triggers{}, fmt.Errorf("parse triggers file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Triggers{}, err
	}
	return t, nil
}

// Validate rejects empty or reserved section names and empty phrases.
func (t Triggers) Validate() error {
	if len(t.Sections) == 0 {
		return fmt.Errorf("triggers: no sections configured")
	}
	for _, s := range t.Sections {
		if s.Section == "" || s.Section == SectionUnclassified {
			return fmt.Errorf("triggers: invalid section name %q", s.Section)
		}
		if len(s.Phrases) == 0 {
			return fmt.Errorf("triggers: section %q has no phrases", s.Section)
		}
		for _, p := range s.Phrases {
			if Normalize(p) == "" {
				return fmt.Errorf("triggers: section %q has an empty phrase", s.Section)
			}
		}
	}
	return nil
}

// Phrases flattens every trigger, for use as recognition hints.
func (t Triggers) Phrases() []string {
	var out []string
	for _, s := range t.Sections {
		out = append(out, s.Phrases...)
	}
	return append(out, t.Corrections...)
}
