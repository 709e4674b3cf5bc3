// Package voice owns dictation sessions: their lifecycle, the per-session
// command log and the HTTP surface over both.
package voice

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicdoc/voicedoc/internal/platform/extract"
	"github.com/clinicdoc/voicedoc/internal/platform/note"
	"github.com/clinicdoc/voicedoc/internal/platform/transcript"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// Open reports whether the state still holds the encounter.
func (s State) Open() bool {
	return s == StateCreated || s == StateActive || s == StateFinalizing
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateErrored }

// Error reasons recorded on Errored sessions.
const (
	ReasonProviderRejected   = "provider_rejected"
	ReasonPersistenceFailure = "persistence_failure"
	ReasonInterrupted        = "interrupted"
)

// Finalization triggers.
const (
	TriggerStop        = "stop"
	TriggerIdle        = "idle_timeout"
	TriggerMaxDuration = "max_duration"
	TriggerShutdown    = "shutdown"
	TriggerError       = "error"
)

// Session is one dictation session for one encounter.
type Session struct {
	ID                  uuid.UUID  `json:"id"`
	UserID              string     `json:"user_id"`
	EncounterRef        string     `json:"encounter_ref"`
	ClinicID            string     `json:"clinic_id"`
	Provider            string     `json:"provider"`
	Language            string     `json:"language"`
	State               State      `json:"state"`
	Degraded            bool       `json:"degraded"`
	ErrorReason         string     `json:"error_reason,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	DurationMillis      int64      `json:"duration_ms"`
	ConfidenceSum       float64    `json:"-"`
	ConfidenceCount     int        `json:"-"`
	AggregateConfidence float64    `json:"aggregate_confidence"`
	LastChunkSeq        int64      `json:"last_chunk_seq"`
	CommandCount        int        `json:"command_count"`
	AudioBytes          int64      `json:"audio_bytes"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	HasAudio            bool       `json:"has_audio"`
	AudioKeyVersion     int        `json:"-"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Duration returns the cumulative audio duration.
func (s *Session) Duration() time.Duration {
	return time.Duration(s.DurationMillis) * time.Millisecond
}

// addConfidence folds one recognized segment into the aggregate.
func (s *Session) addConfidence(c float64) {
	s.ConfidenceSum += c
	s.ConfidenceCount++
	s.computeAggregate()
}

func (s *Session) computeAggregate() {
	if s.ConfidenceCount == 0 {
		s.AggregateConfidence = 0
		return
	}
	s.AggregateConfidence = s.ConfidenceSum / float64(s.ConfidenceCount)
}

func (s *Session) clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// Command is one entry of a session's command log.
type Command struct {
	SessionID   uuid.UUID           `json:"session_id"`
	Position    int                 `json:"position"`
	Category    transcript.Category `json:"category"`
	Section     string              `json:"section,omitempty"`
	RawText     string              `json:"raw_text"`
	Text        string              `json:"text"`
	Confidence  float64             `json:"confidence"`
	Unconfirmed bool                `json:"unconfirmed"`
	Annotations extract.Annotations `json:"annotations"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Entry converts the command for the note assembler.
func (c *Command) Entry() note.Entry {
	return note.Entry{
		Position: c.Position,
		Command: transcript.Command{
			Category:    c.Category,
			Section:     c.Section,
			RawText:     c.RawText,
			Text:        c.Text,
			Confidence:  c.Confidence,
			Unconfirmed: c.Unconfirmed,
		},
		Annotations: c.Annotations,
	}
}

// ChunkInput is one audio chunk as submitted by a client.
type ChunkInput struct {
	Data []byte
	// Sequence is an optional client counter; values <= the last accepted
	// one are answered from the previous ack.
	Sequence int64
	// Duration is the client-reported audio length; estimated from the byte
	// rate when zero.
	Duration time.Duration
}

// ChunkAck acknowledges an accepted chunk.
type ChunkAck struct {
	SessionID      uuid.UUID  `json:"session_id"`
	Sequence       int64      `json:"sequence"`
	State          State      `json:"state"`
	Duplicate      bool       `json:"duplicate"`
	Partial        string     `json:"partial,omitempty"`
	Commands       []*Command `json:"commands"`
	Degraded       bool       `json:"degraded"`
	DurationMillis int64      `json:"duration_ms"`
}

// FinalizationResult summarizes a terminal session.
type FinalizationResult struct {
	SessionID           uuid.UUID      `json:"session_id"`
	State               State          `json:"state"`
	Degraded            bool           `json:"degraded"`
	ErrorReason         string         `json:"error_reason,omitempty"`
	StartedAt           time.Time      `json:"started_at"`
	EndedAt             time.Time      `json:"ended_at"`
	DurationMillis      int64          `json:"duration_ms"`
	AggregateConfidence float64        `json:"aggregate_confidence"`
	CommandCount        int            `json:"command_count"`
	UnconfirmedCount    int            `json:"unconfirmed_count"`
	CommandsByCategory  map[string]int `json:"commands_by_category"`
	ExpiresAt           time.Time      `json:"expires_at"`
}

// commandTally counts a command log by category and confirmation.
type commandTally struct {
	byCategory  map[string]int
	unconfirmed int
}

func tallyCommands(cmds []*Command) commandTally {
	t := commandTally{byCategory: map[string]int{}}
	t.add(cmds)
	return t
}

func (t *commandTally) add(cmds []*Command) {
	if t.byCategory == nil {
		t.byCategory = map[string]int{}
	}
	for _, c := range cmds {
		t.byCategory[string(c.Category)]++
		if c.Unconfirmed {
			t.unconfirmed++
		}
	}
}

func (t commandTally) clone() commandTally {
	cp := commandTally{byCategory: make(map[string]int, len(t.byCategory)), unconfirmed: t.unconfirmed}
	for k, v := range t.byCategory {
		cp.byCategory[k] = v
	}
	return cp
}

func newFinalizationResult(s *Session, t commandTally) *FinalizationResult {
	r := &FinalizationResult{
		SessionID:           s.ID,
		State:               s.State,
		Degraded:            s.Degraded,
		ErrorReason:         s.ErrorReason,
		StartedAt:           s.StartedAt,
		DurationMillis:      s.DurationMillis,
		AggregateConfidence: s.AggregateConfidence,
		CommandCount:        s.CommandCount,
		UnconfirmedCount:    t.unconfirmed,
		CommandsByCategory:  map[string]int{},
	}
	if s.EndedAt != nil {
		r.EndedAt = *s.EndedAt
	}
	if s.ExpiresAt != nil {
		r.ExpiresAt = *s.ExpiresAt
	}
	for k, v := range t.byCategory {
		r.CommandsByCategory[k] = v
	}
	return r
}

// StartParams identifies who starts a session and for which encounter.
type StartParams struct {
	UserID       string
	ClinicID     string
	EncounterRef string
	Language     string
}

// ListFilter selects sessions for listing.
type ListFilter struct {
	UserID       string
	EncounterRef string
	State        State
	// RetainedAt drops sessions whose retention window ended by then. The
	// zero time keeps every row.
	RetainedAt time.Time
	Limit      int
	Offset     int
}

// Configuration is the effective dictation configuration for a clinic.
type Configuration struct {
	ClinicID            string   `json:"clinic_id"`
	Provider            string   `json:"provider"`
	AvailableProviders  []string `json:"available_providers"`
	Language            string   `json:"language"`
	Model               string   `json:"model"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	MaxDurationSeconds  int64    `json:"max_duration_seconds"`
	IdleTimeoutSeconds  int64    `json:"idle_timeout_seconds"`
	MaxAudioBytes       int64    `json:"max_audio_bytes"`
	MaxChunkBytes       int64    `json:"max_chunk_bytes"`
	RetentionSeconds    int64    `json:"retention_seconds"`
}
