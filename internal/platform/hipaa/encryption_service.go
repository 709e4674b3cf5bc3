package hipaa

import (
	"crypto/rand"
	"fmt"

	"github.com/rs/zerolog"
)

// KeyConfig is the key material from configuration.
type KeyConfig struct {
	// Key is the current master key, 64 hex characters.
	Key     string
	Version int
	// Previous lists retired keys as "version:hex,...".
	Previous string
	// AllowEphemeral permits a random per-process key when Key is empty.
	AllowEphemeral bool
}

// NewKeyringFromConfig builds the keyring used for both field encryption and
// session audio. Without a configured key, development mode gets a random key
// that dies with the process; anything sealed with it is unreadable after a
// restart.
func NewKeyringFromConfig(cfg KeyConfig, logger zerolog.Logger) (*Keyring, error) {
	if cfg.Version <= 0 {
		cfg.Version = 1
	}

	var key []byte
	if cfg.Key == "" {
		if !cfg.AllowEphemeral {
			return nil, fmt.Errorf("VOICE_ENCRYPTION_KEY is required")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		logger.Warn().Msg("VOICE_ENCRYPTION_KEY is not set: using an ephemeral key, sealed audio will not survive a restart")
	} else {
		var err error
		key, err = ParseHexKey(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("VOICE_ENCRYPTION_KEY: %w", err)
		}
	}

	ring, err := NewKeyring(key, cfg.Version)
	if err != nil {
		return nil, err
	}

	previous, err := ParseKeyList(cfg.Previous)
	if err != nil {
		return nil, fmt.Errorf("VOICE_PREVIOUS_KEYS: %w", err)
	}
	for version, k := range previous {
		if err := ring.AddPreviousKey(k, version); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("key_version", cfg.Version).Int("previous_keys", len(previous)).
		Msg("voice encryption enabled")
	return ring, nil
}
