package stt

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// LoopbackProvider treats audio bytes as UTF-8 speech. It backs local
// development and end-to-end tests where no real recognizer is reachable.
//
// A chunk ending in "..." is an unfinished utterance: it is returned as a
// partial and prefixed to the next chunk. A leading "[0.62]" sets the
// confidence of the chunk.
type LoopbackProvider struct {
	mu      sync.Mutex
	pending map[uuid.UUID]Result
}

// NewLoopbackProvider returns a ready provider.
func NewLoopbackProvider() *LoopbackProvider {
	return &LoopbackProvider{pending: make(map[uuid.UUID]Result)}
}

// Name implements Provider.
func (p *LoopbackProvider) Name() string { return "loopback" }

// Transcribe implements Provider.
func (p *LoopbackProvider) Transcribe(ctx context.Context, chunk []byte, sc SessionContext) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !utf8.Valid(chunk) {
		return Result{}, Rejected(p.Name(), errInvalidUTF8)
	}
	text, confidence := splitConfidence(strings.TrimSpace(string(chunk)))

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.pending[sc.SessionID]; ok {
		text = strings.TrimSpace(strings.TrimSuffix(prev.Text, "...") + " " + text)
		if prev.Confidence < confidence {
			confidence = prev.Confidence
		}
		delete(p.pending, sc.SessionID)
	}

	res := Result{Text: text, Confidence: confidence, IsFinal: true, Start: sc.Offset, End: sc.Offset}
	if strings.HasSuffix(text, "...") || strings.HasSuffix(text, "…") {
		res.IsFinal = false
		p.pending[sc.SessionID] = res
	}
	return res, nil
}

// Finalize implements Provider. Any held partial is flushed as final text.
func (p *LoopbackProvider) Finalize(ctx context.Context, sc SessionContext) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.pending[sc.SessionID]
	delete(p.pending, sc.SessionID)
	if !ok {
		return Result{IsFinal: true, Start: sc.Offset, End: sc.Offset}, nil
	}
	res.Text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(res.Text, "..."), "…"))
	res.IsFinal = true
	return res, nil
}

type loopbackError string

func (e loopbackError) Error() string { return string(e) }

const errInvalidUTF8 = loopbackError("chunk is not valid UTF-8 text")

func splitConfidence(text string) (string, float64) {
	if !strings.HasPrefix(text, "[") {
		return text, DefaultConfidence
	}
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return text, DefaultConfidence
	}
	c, err := strconv.ParseFloat(text[1:end], 64)
	if err != nil {
		return text, DefaultConfidence
	}
	return strings.TrimSpace(text[end+1:]), clampConfidence(c)
}
