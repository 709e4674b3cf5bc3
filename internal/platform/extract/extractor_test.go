package extract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTerms() []Term {
	return []Term{
		{Term: "cefaleia", Category: CategorySymptom, Synonyms: []string{"dor de cabeça"}, CodeCandidates: []string{"R51"}},
		{Term: "febre", Category: CategorySymptom, CodeCandidates: []string{"R50.9"}},
		{Term: "dor", Category: CategorySymptom},
		{Term: "dor abdominal", Category: CategorySymptom, CodeCandidates: []string{"R10.4"}},
		{Term: "apendicite", Category: CategoryDiagnosis, CodeCandidates: []string{"K35.8"}},
		{Term: "dipirona", Category: CategoryMedication},
		{Term: "paracetamol", Category: CategoryMedication},
		{Term: "amoxicilina", Category: CategoryMedication},
	}
}

type fakeLookup struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string][]CodeSuggestion
	err     error
	block   bool
}

func (f *fakeLookup) Search(ctx context.Context, text string, limit int) ([]CodeSuggestion, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[text]++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results[text], nil
}

func newTestExtractor(lookup CodeLookup, timeout time.Duration) *Extractor {
	return New(NewVocabulary(testTerms()), lookup, Options{LookupTimeout: timeout, MaxCandidates: 2}, zerolog.Nop())
}

func TestExtract_MedicationDosageAndFrequency(t *testing.T) {
	e := newTestExtractor(nil, 0)

	ann := e.Extract(context.Background(), "dipirona 500mg 8 em 8 horas")
	require.Len(t, ann.Entities, 1)

	ent := ann.Entities[0]
	assert.Equal(t, "dipirona", ent.Term)
	assert.Equal(t, CategoryMedication, ent.Category)
	require.NotNil(t, ent.Dosage)
	assert.Equal(t, "500mg", ent.Dosage.Value)
	assert.Equal(t, "500", ent.Dosage.Quantity)
	assert.Equal(t, "mg", ent.Dosage.Unit)
	assert.Equal(t, "8 em 8 horas", ent.Dosage.Frequency)
	assert.Empty(t, ann.Codes)
}

func TestExtract_MultipleMedications(t *testing.T) {
	e := newTestExtractor(nil, 0)

	ann := e.Extract(context.Background(), "Paracetamol 750 mg 3 vezes ao dia e dipirona 1 g a cada 6 horas")
	require.Len(t, ann.Entities, 2)
	assert.Equal(t, "750 mg", ann.Entities[0].Dosage.Value)
	assert.Equal(t, "3 vezes ao dia", ann.Entities[0].Dosage.Frequency)
	assert.Equal(t, "1 g", ann.Entities[1].Dosage.Value)
	assert.Equal(t, "a cada 6 horas", ann.Entities[1].Dosage.Frequency)
}

func TestExtract_DosageAfterRoute(t *testing.T) {
	e := newTestExtractor(nil, 0)

	ann := e.Extract(context.Background(), "amoxicilina via oral 500 mg de 8/8h")
	require.Len(t, ann.Entities, 1)
	require.NotNil(t, ann.Entities[0].Dosage)
	assert.Equal(t, "500 mg", ann.Entities[0].Dosage.Value)
	assert.Equal(t, "8/8h", ann.Entities[0].Dosage.Frequency)
}

func TestExtract_SpansInOriginalText(t *testing.T) {
	e := newTestExtractor(nil, 0)

	text := "Paciente com Dor de Cabeça e febre"
	ann := e.Extract(context.Background(), text)
	require.Len(t, ann.Entities, 2)

	assert.Equal(t, "cefaleia", ann.Entities[0].Term)
	assert.Equal(t, "Dor de Cabeça", ann.Entities[0].Text)
	assert.Equal(t, "Dor de Cabeça", text[ann.Entities[0].Start:ann.Entities[0].End])
	assert.Equal(t, []string{"R51"}, ann.Entities[0].CodeCandidates)
	assert.Equal(t, "febre", ann.Entities[1].Term)
}

func TestExtract_LongestMatchWins(t *testing.T) {
	e := newTestExtractor(nil, 0)

	ann := e.Extract(context.Background(), "dor abdominal intensa, sem dor torácica")
	require.Len(t, ann.Entities, 2)
	assert.Equal(t, "dor abdominal", ann.Entities[0].Term)
	assert.Equal(t, "dor", ann.Entities[1].Term)
}

func TestExtract_WholeWordsOnly(t *testing.T) {
	e := newTestExtractor(nil, 0)
	ann := e.Extract(context.Background(), "febres recorrentes, indolor")
	assert.Empty(t, ann.Entities)
}

func TestExtract_NoMatchIsEmpty(t *testing.T) {
	e := newTestExtractor(&fakeLookup{}, time.Second)

	ann := e.Extract(context.Background(), "sem alterações")
	assert.NotNil(t, ann.Entities)
	assert.Empty(t, ann.Entities)
	assert.Empty(t, ann.Codes)
	assert.True(t, ann.Empty())
}

func TestExtract_CodeSuggestionsKeepServiceOrder(t *testing.T) {
	lookup := &fakeLookup{results: map[string][]CodeSuggestion{
		"cefaleia": {
			{Code: "R51", Label: "Cefaléia", Score: 0.7},
			{Code: "G44.2", Label: "Cefaléia tensional", Score: 0.9},
			{Code: "G43.9", Label: "Enxaqueca", Score: 0.4},
		},
		"apendicite": {{Code: "K35.8", Label: "Apendicite aguda", Score: 0.95}},
	}}
	e := newTestExtractor(lookup, time.Second)

	ann := e.Extract(context.Background(), "dor de cabeça, cefaleia persistente; hipótese de apendicite; dipirona 500mg")
	require.Len(t, ann.Codes, 3)
	assert.Equal(t, "R51", ann.Codes[0].Code)
	assert.Equal(t, "G44.2", ann.Codes[1].Code)
	assert.Equal(t, 0.9, ann.Codes[1].Score)
	assert.Equal(t, "cefaleia", ann.Codes[1].Entity)
	assert.Equal(t, "K35.8", ann.Codes[2].Code)

	assert.Equal(t, 1, lookup.calls["cefaleia"])
	assert.Zero(t, lookup.calls["dipirona"])
}

func TestExtract_LookupTimeoutYieldsNoCodes(t *testing.T) {
	e := newTestExtractor(&fakeLookup{block: true}, 30*time.Millisecond)

	start := time.Now()
	ann := e.Extract(context.Background(), "febre alta")
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, ann.Entities, 1)
	assert.Empty(t, ann.Codes)
}

func TestExtract_LookupErrorYieldsNoCodes(t *testing.T) {
	e := newTestExtractor(&fakeLookup{err: errors.New("lookup down")}, time.Second)

	ann := e.Extract(context.Background(), "febre alta")
	require.Len(t, ann.Entities, 1)
	assert.Empty(t, ann.Codes)
}
