package hipaa

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Field ciphertext format: "enc:v{version}:{base64(nonce|ciphertext)}".
const fieldPrefix = "enc:v"

const sessionKeyInfo = "voicedoc/session-audio/"

// Keyring holds the versioned master keys. New data is always written with
// the current version; previous versions stay available for reads.
type Keyring struct {
	mu      sync.RWMutex
	current int
	keys    map[int][]byte
	fields  map[int]*PHIEncryptor
}

// NewKeyring creates a keyring with the current master key.
func NewKeyring(currentKey []byte, currentVersion int) (*Keyring, error) {
	if currentVersion <= 0 {
		return nil, fmt.Errorf("keyring: version must be positive, got %d", currentVersion)
	}
	k := &Keyring{
		current: currentVersion,
		keys:    make(map[int][]byte),
		fields:  make(map[int]*PHIEncryptor),
	}
	if err := k.add(currentKey, currentVersion); err != nil {
		return nil, fmt.Errorf("keyring: current key: %w", err)
	}
	return k, nil
}

// AddPreviousKey registers a retired key for decryption.
func (k *Keyring) AddPreviousKey(key []byte, version int) error {
	if version == k.CurrentVersion() {
		return fmt.Errorf("keyring: version %d is the current key", version)
	}
	if err := k.add(key, version); err != nil {
		return fmt.Errorf("keyring: previous key v%d: %w", version, err)
	}
	return nil
}

func (k *Keyring) add(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[version] = append([]byte(nil), key...)
	k.fields[version] = enc
	return nil
}

// CurrentVersion returns the current key version.
func (k *Keyring) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// SessionEncryptor derives the session-scoped key for sessionID from the
// master key of the given version with HKDF-SHA256.
func (k *Keyring) SessionEncryptor(version int, sessionID uuid.UUID) (*PHIEncryptor, error) {
	k.mu.RLock()
	master, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key available for version %d", version)
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, sessionID[:], []byte(sessionKeyInfo+sessionID.String()))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return NewPHIEncryptor(key)
}

// EncryptField encrypts a text field with the current key.
func (k *Keyring) EncryptField(plaintext string) (string, error) {
	k.mu.RLock()
	version := k.current
	enc := k.fields[version]
	k.mu.RUnlock()

	sealed, err := enc.Seal([]byte(plaintext), nil)
	if err != nil {
		return "", err
	}
	return fieldPrefix + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField decrypts a value produced by EncryptField with whichever key
// version it names. Values without the prefix are returned unchanged.
func (k *Keyring) DecryptField(value string) (string, error) {
	version, data, ok := parseField(value)
	if !ok {
		return value, nil
	}

	k.mu.RLock()
	enc, found := k.fields[version]
	k.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("no key available for version %d", version)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	plaintext, err := enc.Open(raw, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// NeedsReEncryption reports whether value was written with a retired key or
// is not encrypted at all.
func (k *Keyring) NeedsReEncryption(value string) bool {
	version, _, ok := parseField(value)
	return !ok || version != k.CurrentVersion()
}

func parseField(s string) (int, string, bool) {
	if !strings.HasPrefix(s, fieldPrefix) {
		return 0, "", false
	}
	rest := s[len(fieldPrefix):]
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 {
		return 0, "", false
	}
	version, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, "", false
	}
	return version, rest[idx+1:], true
}

// ParseHexKey decodes a 64-character hex AES-256 key.
func ParseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// ParseKeyList parses "1:<hex>,2:<hex>" into versioned keys.
func ParseKeyList(s string) (map[int][]byte, error) {
	out := make(map[int][]byte)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		v, k, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid key entry %q: expected version:hex", item)
		}
		version, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid key version %q", v)
		}
		key, err := ParseHexKey(k)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		out[version] = key
	}
	return out, nil
}
