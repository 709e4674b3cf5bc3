package voice

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
)

// Repository persists sessions, their command logs and audit events.
// Implementations must return ErrSessionNotFound for unknown ids and
// ErrSessionConflict when an encounter already has an open session.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context, f ListFilter) ([]*Session, int, error)
	ListOpenSessions(ctx context.Context) ([]*Session, error)
	UpdateSession(ctx context.Context, s *Session) error

	// AppendCommands inserts cmds and saves the session's progress in one
	// transaction.
	AppendCommands(ctx context.Context, s *Session, cmds []*Command) error
	ListCommands(ctx context.Context, sessionID uuid.UUID) ([]*Command, error)

	// Finalize moves the session to its terminal state: remaining commands,
	// session row, sealed audio (written once) and the audit record commit
	// together. audio may be nil.
	Finalize(ctx context.Context, s *Session, cmds []*Command, audio *hipaa.SealedAudio, audit *hipaa.SessionAuditRecord) error
	GetAudio(ctx context.Context, id uuid.UUID) ([]byte, int, error)

	// DeleteSession removes a terminal session with its commands and audio,
	// recording ev in the same transaction. Open sessions fail with
	// ErrSessionNotClosed.
	DeleteSession(ctx context.Context, id uuid.UUID, ev *hipaa.PHIAccessEvent) error

	hipaa.AccessStore
}

// FieldCipher encrypts command text at rest. *hipaa.Keyring satisfies it.
type FieldCipher interface {
	EncryptField(plaintext string) (string, error)
	DecryptField(value string) (string, error)
}
