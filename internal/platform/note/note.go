// Package note folds an ordered command log into a structured clinical note.
// The note is derived data: it is rebuilt on every read and never stored.
package note

import (
	"fmt"
	"strings"

	"github.com/clinicdoc/voicedoc/internal/platform/extract"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

// Entry is one persisted command at its log position.
type Entry struct {
	Position    int
	Command     transcript.Command
	Annotations extract.Annotations
}

// Contribution is one piece of text added to a section.
type Contribution struct {
	Position    int                      `json:"position"`
	Text        string                   `json:"text"`
	Confidence  float64                  `json:"confidence"`
	Unconfirmed bool                     `json:"unconfirmed"`
	Entities    []extract.Entity         `json:"entities"`
	Codes       []extract.CodeSuggestion `json:"codes"`
}

// Section is the accumulated content of one note section.
type Section struct {
	Name          string                   `json:"name"`
	Text          string                   `json:"text"`
	Contributions []Contribution           `json:"contributions"`
	Entities      []extract.Entity         `json:"entities"`
	Codes         []extract.CodeSuggestion `json:"codes"`
}

// StructuredNote is the assembled note. Sections serialize with sorted keys
// and SectionOrder keeps the order sections were first opened.
type StructuredNote struct {
	SessionID      string              `json:"session_id"`
	Sections       map[string]*Section `json:"sections"`
	SectionOrder   []string            `json:"section_order"`
	Unconfirmed    []int               `json:"unconfirmed_positions"`
	RequiresReview bool                `json:"requires_review"`
	CommandCount   int                 `json:"command_count"`
}

// Assemble folds entries, which must be in position order. The open section
// starts as unclassified; markers switch it, free text appends to it and
// corrections rewrite its last contribution.
func Assemble(sessionID string, entries []Entry) *StructuredNote {
	n := &StructuredNote{
		SessionID:    sessionID,
		Sections:     make(map[string]*Section),
		SectionOrder: []string{},
		Unconfirmed:  []int{},
		CommandCount: len(entries),
	}
	open := transcript.SectionUnclassified

	for _, e := range entries {
		if e.Command.Unconfirmed {
			n.Unconfirmed = append(n.Unconfirmed, e.Position)
		}
		switch e.Command.Category {
		case transcript.CategorySectionMarker:
			open = e.Command.Section
			n.section(open)
		case transcript.CategoryFreeText:
			if e.Command.Text == "" {
				continue
			}
			s := n.section(open)
			s.Contributions = append(s.Contributions, contribution(e))
		case transcript.CategoryCorrection:
			s, ok := n.Sections[open]
			if !ok || len(s.Contributions) == 0 {
				if e.Command.Text != "" {
					s = n.section(open)
					s.Contributions = append(s.Contributions, contribution(e))
				}
				continue
			}
			last := len(s.Contributions) - 1
			if e.Command.Text == "" {
				s.Contributions = s.Contributions[:last]
			} else {
				s.Contributions[last] = contribution(e)
			}
		}
	}

	for _, name := range n.SectionOrder {
		n.Sections[name].finish()
	}
	n.RequiresReview = len(n.Unconfirmed) > 0
	return n
}

func (n *StructuredNote) section(name string) *Section {
	if s, ok := n.Sections[name]; ok {
		return s
	}
	s := &Section{Name: name, Contributions: []Contribution{}}
	n.Sections[name] = s
	n.SectionOrder = append(n.SectionOrder, name)
	return s
}

func contribution(e Entry) Contribution {
	c := Contribution{
		Position:    e.Position,
		Text:        e.Command.Text,
		Confidence:  e.Command.Confidence,
		Unconfirmed: e.Command.Unconfirmed,
		Entities:    e.Annotations.Entities,
		Codes:       e.Annotations.Codes,
	}
	if c.Entities == nil {
		c.Entities = []extract.Entity{}
	}
	if c.Codes == nil {
		c.Codes = []extract.CodeSuggestion{}
	}
	return c
}

func (s *Section) finish() {
	parts := make([]string, 0, len(s.Contributions))
	s.Entities = []extract.Entity{}
	s.Codes = []extract.CodeSuggestion{}
	seen := make(map[string]bool)
	for _, c := range s.Contributions {
		parts = append(parts, c.Text)
		s.Entities = append(s.Entities, c.Entities...)
		for _, code := range c.Codes {
			if seen[code.Code] {
				continue
			}
			seen[code.Code] = true
			s.Codes = append(s.Codes, code)
		}
	}
	s.Text = strings.Join(parts, " ")
}

// Text returns a section's text, or "" when the section was never opened.
func (n *StructuredNote) Text(section string) string {
	if s, ok := n.Sections[section]; ok {
		return s.Text
	}
	return ""
}

var sectionTitles = map[string]string{
	transcript.SectionSubjective:   "Subjetivo",
	transcript.SectionObjective:    "Objetivo",
	transcript.SectionAssessment:   "Avaliação",
	transcript.SectionPlan:         "Plano",
	transcript.SectionUnclassified: "Não classificado",
}

// Render formats the note as plain text, sections in opening order. Entity
// codes are listed under each section.
func (n *StructuredNote) Render() string {
	var b strings.Builder
	for i, name := range n.SectionOrder {
		s := n.Sections[name]
		if i > 0 {
			b.WriteString("\n")
		}
		title, ok := sectionTitles[name]
		if !ok {
			title = name
		}
		fmt.Fprintf(&b, "## %s\n%s\n", title, s.Text)
		for _, c := range s.Codes {
			fmt.Fprintf(&b, "- %s %s (%.2f)\n", c.Code, c.Label, c.Score)
		}
	}
	if n.RequiresReview {
		fmt.Fprintf(&b, "\n[revisar] comandos com baixa confiança: %v\n", n.Unconfirmed)
	}
	return b.String()
}
