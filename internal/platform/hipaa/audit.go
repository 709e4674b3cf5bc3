package hipaa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit event kinds.
const (
	AuditSessionClosed  = "session_closed"
	AuditSessionErrored = "session_errored"
	AuditAudioExport    = "audio_export"
	AuditSessionDeleted = "session_deleted"
)

// SessionAuditRecord is the single audit record written when a session
// reaches a terminal state.
type SessionAuditRecord struct {
	ID                  uuid.UUID      `json:"id"`
	Kind                string         `json:"kind"`
	SessionID           uuid.UUID      `json:"session_id"`
	UserID              string         `json:"user_id"`
	EncounterRef        string         `json:"encounter_ref"`
	ClinicID            string         `json:"clinic_id"`
	Provider            string         `json:"provider"`
	Outcome             string         `json:"outcome"`
	Reason              string         `json:"reason,omitempty"`
	Degraded            bool           `json:"degraded"`
	DurationMillis      int64          `json:"duration_ms"`
	AggregateConfidence float64        `json:"aggregate_confidence"`
	CommandCount        int            `json:"command_count"`
	UnconfirmedCount    int            `json:"unconfirmed_count"`
	CommandsByCategory  map[string]int `json:"commands_by_category"`
	ExpiresAt           time.Time      `json:"expires_at"`
	RecordedAt          time.Time      `json:"recorded_at"`
}

// NewSessionAuditRecord stamps id, kind and time on a record.
func NewSessionAuditRecord(sessionID uuid.UUID, outcome string, at time.Time) *SessionAuditRecord {
	kind := AuditSessionClosed
	if outcome != "closed" {
		kind = AuditSessionErrored
	}
	return &SessionAuditRecord{
		ID:                 uuid.New(),
		Kind:               kind,
		SessionID:          sessionID,
		Outcome:            outcome,
		CommandsByCategory: map[string]int{},
		RecordedAt:         at.UTC(),
	}
}

// PHIAccessEvent records a read of protected content, such as decrypted audio.
type PHIAccessEvent struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	AccessedBy string    `json:"accessed_by"`
	Roles      []string  `json:"roles"`
	Action     string    `json:"action"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	AccessedAt time.Time `json:"accessed_at"`
}

// AccessStore persists PHI access events.
type AccessStore interface {
	InsertAccessEvent(ctx context.Context, ev *PHIAccessEvent) error
}

// AccessLogger writes PHI access events to a store and to the log.
type AccessLogger struct {
	store  AccessStore
	logger zerolog.Logger
}

// NewAccessLogger creates an AccessLogger.
func NewAccessLogger(store AccessStore, logger zerolog.Logger) *AccessLogger {
	return &AccessLogger{store: store, logger: logger.With().Str("component", "phi-access").Logger()}
}

// LogPHIAccess fills in id and time and persists the event. The caller must
// not release the content when this fails.
func (a *AccessLogger) LogPHIAccess(ctx context.Context, ev *PHIAccessEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.AccessedAt.IsZero() {
		ev.AccessedAt = time.Now().UTC()
	}
	if ev.Action == "" {
		ev.Action = AuditAudioExport
	}
	if err := a.store.InsertAccessEvent(ctx, ev); err != nil {
		a.logger.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("failed to record PHI access")
		return err
	}
	a.logger.Info().
		Str("session_id", ev.SessionID.String()).
		Str("accessed_by", ev.AccessedBy).
		Str("action", ev.Action).
		Str("ip", ev.IPAddress).
		Msg("PHI access")
	return nil
}
