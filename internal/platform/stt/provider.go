// Package stt is the speech-to-text provider layer. Every backend satisfies
// Provider; the Registry and Selector decide which one a clinic uses.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrProviderUnavailable marks transient backend failures (unreachable host,
// 5xx, 429, timeouts). Callers may retry.
var ErrProviderUnavailable = errors.New("speech provider unavailable")

// ErrProviderRejected marks non-retryable failures: the backend answered but
// refused the request or returned something we cannot decode.
var ErrProviderRejected = errors.New("speech provider rejected request")

// SessionContext carries per-session parameters passed with every call.
type SessionContext struct {
	SessionID uuid.UUID
	ClinicID  string
	Language  string
	Model     string
	Sequence  int64
	// Offset is the audio position of the chunk from the start of the session.
	Offset time.Duration
	// Phrases are recognition hints (section triggers, vocabulary).
	Phrases []string
}

// Result is one recognized segment.
type Result struct {
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	IsFinal    bool          `json:"is_final"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
}

// Empty reports whether the result carries no recognized text.
func (r Result) Empty() bool { return r.Text == "" }

// Provider converts audio chunks to text.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, chunk []byte, sc SessionContext) (Result, error)
	// Finalize flushes whatever the backend still holds for the session.
	Finalize(ctx context.Context, sc SessionContext) (Result, error)
}

// Unavailable wraps err as a retryable provider failure.
func Unavailable(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, ErrProviderUnavailable, err)
}

// Rejected wraps err as a non-retryable provider failure.
func Rejected(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, ErrProviderRejected, err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
