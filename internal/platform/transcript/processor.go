// Package transcript turns recognized text into a stream of commands:
// section markers, free text and corrections.
package transcript

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Category classifies a command.
type Category string

const (
	CategorySectionMarker Category = "section_marker"
	CategoryFreeText      Category = "free_text"
	CategoryCorrection    Category = "correction"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySectionMarker, CategoryFreeText, CategoryCorrection:
		return true
	}
	return false
}

// Command is one recognized unit of speech.
type Command struct {
	Category Category `json:"category"`
	// Section is set on section markers only.
	Section     string  `json:"section,omitempty"`
	RawText     string  `json:"raw_text"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	Similarity  float64 `json:"similarity,omitempty"`
	Unconfirmed bool    `json:"unconfirmed"`
}

// Options holds the matching thresholds.
type Options struct {
	// SimilarityThreshold is the minimum phrase similarity for a trigger.
	SimilarityThreshold float64
	// AcceptanceThreshold flags commands below it as unconfirmed.
	AcceptanceThreshold float64
}

// DefaultOptions mirrors the service defaults.
func DefaultOptions() Options {
	return Options{SimilarityThreshold: 0.85, AcceptanceThreshold: 0.8}
}

type phrase struct {
	kind    Category
	section string
	norm    string
	words   int
}

// Processor classifies utterances. It holds no per-session state and is safe
// for concurrent use.
type Processor struct {
	phrases  []phrase
	maxWords int
	opts     Options
}

// NewProcessor compiles the trigger set.
func NewProcessor(t Triggers, opts Options) (*Processor, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity threshold %.2f out of range (0,1]", opts.SimilarityThreshold)
	}
	if opts.AcceptanceThreshold < 0 || opts.AcceptanceThreshold > 1 {
		return nil, fmt.Errorf("acceptance threshold %.2f out of range [0,1]", opts.AcceptanceThreshold)
	}

	p := &Processor{opts: opts}
	add := func(kind Category, section, text string) {
		n := Normalize(text)
		if n == "" {
			return
		}
		wc := len(strings.Fields(n))
		if wc > p.maxWords {
			p.maxWords = wc
		}
		p.phrases = append(p.phrases, phrase{kind: kind, section: section, norm: n, words: wc})
	}
	for _, s := range t.Sections {
		for _, ph := range s.Phrases {
			add(CategorySectionMarker, s.Section, ph)
		}
	}
	for _, ph := range t.Corrections {
		add(CategoryCorrection, "", ph)
	}
	return p, nil
}

// Options returns the thresholds in use.
func (p *Processor) Options() Options { return p.opts }

// Process splits a final transcript segment into utterances and classifies
// each one. confidence is the recognizer's score for the segment.
func (p *Processor) Process(text string, confidence float64) []Command {
	var out []Command
	for _, u := range SplitUtterances(text) {
		out = append(out, p.classify(u, confidence)...)
	}
	return out
}

type match struct {
	phrase  *phrase
	score   float64
	headEnd int
	words   int
}

func (p *Processor) classify(u string, confidence float64) []Command {
	ws := words(u)
	if len(ws) == 0 {
		return nil
	}
	confidence = clamp(confidence)

	best := p.bestMatch(u, ws)
	if best == nil || best.score < p.opts.SimilarityThreshold {
		return []Command{p.freeText(u, confidence)}
	}

	head := strings.TrimSpace(u[:best.headEnd])
	body := trimBody(u[best.headEnd:])
	lead := p.flag(Command{
		Category:   best.phrase.kind,
		Section:    best.phrase.section,
		RawText:    head,
		Confidence: clamp(confidence * best.score),
		Similarity: best.score,
	})

	if best.phrase.kind == CategoryCorrection {
		lead.RawText = strings.TrimSpace(u)
		lead.Text = collapse(body)
		return []Command{lead}
	}

	lead.Text = best.phrase.section
	out := []Command{lead}
	if body != "" {
		out = append(out, p.freeText(body, confidence))
	}
	return out
}

// bestMatch compares the leading words of u with every phrase. A head is a
// candidate only when it is the whole utterance or is followed by a
// delimiter, so dictated content such as "sinais vitais estáveis" stays text.
func (p *Processor) bestMatch(u string, ws []word) *match {
	var best *match
	limit := p.maxWords + 1
	if limit > len(ws) {
		limit = len(ws)
	}
	for k := 1; k <= limit; k++ {
		headEnd := ws[k-1].end
		if k < len(ws) && !delimited(u, headEnd) {
			continue
		}
		head := Normalize(u[:headEnd])
		for i := range p.phrases {
			ph := &p.phrases[i]
			if abs(ph.words-k) > 1 {
				continue
			}
			score := Similarity(head, ph.norm)
			if best == nil || score > best.score || (score == best.score && k > best.words) {
				best = &match{phrase: ph, score: score, headEnd: headEnd, words: k}
			}
		}
	}
	return best
}

func (p *Processor) freeText(s string, confidence float64) Command {
	raw := strings.TrimSpace(s)
	return p.flag(Command{
		Category:   CategoryFreeText,
		RawText:    raw,
		Text:       collapse(raw),
		Confidence: confidence,
	})
}

func (p *Processor) flag(c Command) Command {
	c.Unconfirmed = c.Confidence < p.opts.AcceptanceThreshold
	return c
}

// SplitUtterances cuts text after sentence punctuation (. ! ? ;) that is
// followed by whitespace or the end of text, and at line breaks. Decimal
// points such as "0.5mg" do not split.
func SplitUtterances(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		cut := -1
		switch r {
		case '\n', '\r':
			cut = i
		case '.', '!', '?', ';':
			next := i + utf8.RuneLen(r)
			if next >= len(text) {
				continue
			}
			nr, _ := utf8.DecodeRuneInString(text[next:])
			if unicode.IsSpace(nr) {
				cut = next
			}
		}
		if cut < 0 {
			continue
		}
		if s := strings.TrimSpace(text[start:cut]); s != "" {
			out = append(out, s)
		}
		start = cut
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func delimited(u string, at int) bool {
	for _, r := range u[at:] {
		if unicode.IsSpace(r) {
			continue
		}
		return r == ':' || r == ',' || r == '-' || r == '–'
	}
	return true
}

func trimBody(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ':' || r == ',' || r == '-' || r == '–' || r == '.'
	})
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
