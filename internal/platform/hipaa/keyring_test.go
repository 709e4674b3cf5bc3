package hipaa

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestKeyring(t *testing.T, version int) (*Keyring, []byte) {
	t.Helper()
	key := generateTestKey(t)
	k, err := NewKeyring(key, version)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return k, key
}

func TestKeyring_FieldRoundTrip(t *testing.T) {
	k, _ := newTestKeyring(t, 1)

	ct, err := k.EncryptField("dipirona 500mg 8 em 8 horas")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "enc:v1:") {
		t.Errorf("expected enc:v1: prefix, got %q", ct)
	}
	pt, err := k.DecryptField(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if pt != "dipirona 500mg 8 em 8 horas" {
		t.Errorf("unexpected plaintext %q", pt)
	}
}

func TestKeyring_DecryptWithPreviousKey(t *testing.T) {
	old, oldKey := newTestKeyring(t, 1)
	ct, _ := old.EncryptField("sem alterações")

	rotated, _ := newTestKeyring(t, 2)
	if _, err := rotated.DecryptField(ct); err == nil {
		t.Fatal("expected error before the previous key is added")
	}
	if err := rotated.AddPreviousKey(oldKey, 1); err != nil {
		t.Fatalf("add previous: %v", err)
	}
	pt, err := rotated.DecryptField(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if pt != "sem alterações" {
		t.Errorf("unexpected plaintext %q", pt)
	}
	if !rotated.NeedsReEncryption(ct) {
		t.Error("expected v1 value to need re-encryption")
	}
}

func TestKeyring_PlainValuePassesThrough(t *testing.T) {
	k, _ := newTestKeyring(t, 1)
	pt, err := k.DecryptField("texto legado")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt != "texto legado" {
		t.Errorf("unexpected value %q", pt)
	}
}

func TestKeyring_SessionKeysDiffer(t *testing.T) {
	k, _ := newTestKeyring(t, 1)
	s1, s2 := uuid.New(), uuid.New()

	e1, err := k.SessionEncryptor(1, s1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	e2, _ := k.SessionEncryptor(1, s2)

	ct, _ := e1.Seal([]byte("audio"), nil)
	if _, err := e2.Open(ct, nil); err == nil {
		t.Error("expected a different session key to fail")
	}
	again, _ := k.SessionEncryptor(1, s1)
	if _, err := again.Open(ct, nil); err != nil {
		t.Errorf("expected derivation to be stable: %v", err)
	}
	if _, err := k.SessionEncryptor(9, s1); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestParseKeyList(t *testing.T) {
	key := hex.EncodeToString(generateTestKey(t))

	keys, err := ParseKeyList("1:" + key + ", 2:" + key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(keys))
	}

	for _, bad := range []string{"nokey", "x:" + key, "1:abcd", "0:" + key} {
		if _, err := ParseKeyList(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	if keys, err := ParseKeyList(""); err != nil || len(keys) != 0 {
		t.Errorf("expected empty list, got %v %v", keys, err)
	}
}

func TestNewKeyringFromConfig(t *testing.T) {
	t.Run("ephemeral in development", func(t *testing.T) {
		k, err := NewKeyringFromConfig(KeyConfig{AllowEphemeral: true}, zerolog.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if k.CurrentVersion() != 1 {
			t.Errorf("expected version 1, got %d", k.CurrentVersion())
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, err := NewKeyringFromConfig(KeyConfig{}, zerolog.Nop()); err == nil {
			t.Fatal("expected error without a key")
		}
	})

	t.Run("invalid hex", func(t *testing.T) {
		if _, err := NewKeyringFromConfig(KeyConfig{Key: "zz"}, zerolog.Nop()); err == nil {
			t.Fatal("expected error for invalid key")
		}
	})

	t.Run("with previous keys", func(t *testing.T) {
		cur := hex.EncodeToString(generateTestKey(t))
		prev := hex.EncodeToString(generateTestKey(t))
		k, err := NewKeyringFromConfig(KeyConfig{Key: cur, Version: 2, Previous: "1:" + prev}, zerolog.Nop())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := k.SessionEncryptor(1, uuid.New()); err != nil {
			t.Errorf("expected previous key to be usable: %v", err)
		}
	})
}
