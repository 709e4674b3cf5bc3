package hipaa

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SealedAudio is a session's encrypted audio buffer.
type SealedAudio struct {
	Ciphertext []byte
	KeyVersion int
	ExpiresAt  time.Time
}

// Envelope seals session audio under a session-scoped key and computes the
// retention expiry.
type Envelope struct {
	keys      *Keyring
	retention RetentionPolicy
}

// NewEnvelope creates an Envelope.
func NewEnvelope(keys *Keyring, retention RetentionPolicy) *Envelope {
	return &Envelope{keys: keys, retention: retention}
}

// Retention returns the policy in force.
func (e *Envelope) Retention() RetentionPolicy { return e.retention }

// Keys returns the keyring.
func (e *Envelope) Keys() *Keyring { return e.keys }

// Seal encrypts audio for sessionID with the current key version. The session
// id is bound as additional data so a payload cannot be moved between rows.
func (e *Envelope) Seal(sessionID uuid.UUID, audio []byte, terminalAt time.Time) (*SealedAudio, error) {
	version := e.keys.CurrentVersion()
	enc, err := e.keys.SessionEncryptor(version, sessionID)
	if err != nil {
		return nil, fmt.Errorf("seal audio: %w", err)
	}
	ct, err := enc.Seal(audio, sessionID[:])
	if err != nil {
		return nil, fmt.Errorf("seal audio: %w", err)
	}
	return &SealedAudio{
		Ciphertext: ct,
		KeyVersion: version,
		ExpiresAt:  e.retention.ExpiryFor(terminalAt),
	}, nil
}

// Open decrypts a sealed payload for sessionID.
func (e *Envelope) Open(sessionID uuid.UUID, ciphertext []byte, version int) ([]byte, error) {
	enc, err := e.keys.SessionEncryptor(version, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	audio, err := enc.Open(ciphertext, sessionID[:])
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	return audio, nil
}
