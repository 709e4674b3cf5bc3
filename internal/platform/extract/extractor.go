// Package extract annotates command text with medical entities, dosages and
// suggested diagnostic codes.
package extract

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

// CodeSuggestion is one candidate code returned by the lookup service.
type CodeSuggestion struct {
	Code  string  `json:"code"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
	// Entity is the canonical term the lookup was made for.
	Entity string `json:"entity"`
}

// CodeLookup is the external code-lookup service. Results come back ordered
// by the service's own relevance.
type CodeLookup interface {
	Search(ctx context.Context, text string, limit int) ([]CodeSuggestion, error)
}

// Entity is a recognized medical concept inside a text. Start and End are
// byte offsets into the text passed to Extract.
type Entity struct {
	Term           string   `json:"term"`
	Category       string   `json:"category"`
	Text           string   `json:"text"`
	Start          int      `json:"start"`
	End            int      `json:"end"`
	Dosage         *Dosage  `json:"dosage,omitempty"`
	CodeCandidates []string `json:"code_candidates,omitempty"`
}

// Annotations is the extraction result for one command.
type Annotations struct {
	Entities []Entity         `json:"entities"`
	Codes    []CodeSuggestion `json:"codes"`
}

// Empty reports whether nothing was found.
func (a Annotations) Empty() bool { return len(a.Entities) == 0 && len(a.Codes) == 0 }

// Options bounds the code lookup.
type Options struct {
	LookupTimeout time.Duration
	MaxCandidates int
	// MaxParallel caps concurrent lookups per command.
	MaxParallel int
}

// Extractor is safe for concurrent use.
type Extractor struct {
	vocab  *Vocabulary
	lookup CodeLookup
	opts   Options
	logger zerolog.Logger
}

// New creates an extractor. lookup may be nil, in which case no codes are
// suggested.
func New(vocab *Vocabulary, lookup CodeLookup, opts Options, logger zerolog.Logger) *Extractor {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 800 * time.Millisecond
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 3
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if vocab == nil {
		vocab = NewVocabulary(nil)
	}
	return &Extractor{
		vocab:  vocab,
		lookup: lookup,
		opts:   opts,
		logger: logger.With().Str("component", "extract").Logger(),
	}
}

// Extract scans text. It never fails: lookup errors and timeouts leave the
// code list empty.
func (e *Extractor) Extract(ctx context.Context, text string) Annotations {
	out := Annotations{Entities: []Entity{}, Codes: []CodeSuggestion{}}
	if text == "" {
		return out
	}

	folded, offs := transcript.FoldWithOffsets(text)
	spans := e.vocab.scan(folded)
	for _, s := range spans {
		t := e.vocab.terms[s.term]
		out.Entities = append(out.Entities, Entity{
			Term:           t.Term,
			Category:       t.Category,
			Text:           text[offs[s.start]:offs[s.end]],
			Start:          offs[s.start],
			End:            offs[s.end],
			CodeCandidates: t.CodeCandidates,
		})
	}
	e.attachDosages(text, folded, offs, spans, out.Entities)
	out.Codes = e.suggestCodes(ctx, out.Entities)
	return out
}

// attachDosages gives each medication mention the first dosage that follows it
// within maxDosageGap bytes with no other mention in between.
func (e *Extractor) attachDosages(text, folded string, offs []int, spans []span, entities []Entity) {
	dosages := findDosages(folded)
	used := make([]bool, len(dosages))
	for i, s := range spans {
		if entities[i].Category != CategoryMedication {
			continue
		}
		nextStart := len(folded)
		if i+1 < len(spans) {
			nextStart = spans[i+1].start
		}
		for j, d := range dosages {
			if used[j] || d.qStart < s.end || d.qStart >= nextStart || d.qStart-s.end > maxDosageGap {
				continue
			}
			used[j] = true
			dose := &Dosage{
				Quantity: text[offs[d.qStart]:offs[d.qEnd]],
				Unit:     text[offs[d.uStart]:offs[d.uEnd]],
				Value:    text[offs[d.qStart]:offs[d.uEnd]],
				Start:    offs[d.qStart],
				End:      offs[d.uEnd],
			}
			if d.fStart >= 0 {
				dose.Frequency = text[offs[d.fStart]:offs[d.fEnd]]
				dose.End = offs[d.fEnd]
			}
			entities[i].Dosage = dose
			break
		}
	}
}

func (e *Extractor) suggestCodes(ctx context.Context, entities []Entity) []CodeSuggestion {
	out := []CodeSuggestion{}
	if e.lookup == nil {
		return out
	}

	var terms []string
	seen := make(map[string]bool)
	for _, ent := range entities {
		if !codable(ent.Category) || seen[ent.Term] {
			continue
		}
		seen[ent.Term] = true
		terms = append(terms, ent.Term)
	}
	if len(terms) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.LookupTimeout)
	defer cancel()

	var mu sync.Mutex
	results := make([][]CodeSuggestion, len(terms))
	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(e.opts.MaxParallel)
		for i, term := range terms {
			g.Go(func() error {
				res, err := e.lookup.Search(ctx, term, e.opts.MaxCandidates)
				if err != nil {
					e.logger.Debug().Err(err).Str("term", term).Msg("code lookup skipped")
					return nil
				}
				if len(res) > e.opts.MaxCandidates {
					res = res[:e.opts.MaxCandidates]
				}
				tagged := make([]CodeSuggestion, len(res))
				for k, c := range res {
					c.Entity = term
					tagged[k] = c
				}
				mu.Lock()
				results[i] = tagged
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Debug().Int("terms", len(terms)).Msg("code lookup timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	codes := make(map[string]bool)
	for _, res := range results {
		for _, c := range res {
			if codes[c.Code] {
				continue
			}
			codes[c.Code] = true
			out = append(out, c)
		}
	}
	return out
}
