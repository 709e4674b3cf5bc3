package hipaa

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewPHIEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		enc, err := NewPHIEncryptor(generateTestKey(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if enc == nil {
			t.Fatal("expected non-nil encryptor")
		}
	})

	t.Run("key too short", func(t *testing.T) {
		if _, err := NewPHIEncryptor(make([]byte, 16)); err == nil {
			t.Fatal("expected error for 16-byte key")
		}
	})

	t.Run("empty key", func(t *testing.T) {
		if _, err := NewPHIEncryptor(nil); err == nil {
			t.Fatal("expected error for empty key")
		}
	})
}

func TestSealOpen(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	data := []byte("queixa principal: dor de cabeça")
	aad := []byte("session-1")

	sealed, err := enc.Seal(data, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, data) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := enc.Open(sealed, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %q, got %q", data, got)
	}

	if _, err := enc.Open(sealed, []byte("session-2")); err == nil {
		t.Error("expected error when additional data differs")
	}
}

func TestSeal_UniqueNonces(t *testing.T) {
	enc, _ := NewPHIEncryptor(generateTestKey(t))
	a, _ := enc.Seal([]byte("x"), nil)
	b, _ := enc.Seal([]byte("x"), nil)
	if bytes.Equal(a, b) {
		t.Error("expected different ciphertexts for the same input")
	}
}

func TestOpen_TooShort(t *testing.T) {
	enc, _ := NewPHIEncryptor(generateTestKey(t))
	if _, err := enc.Open([]byte{1, 2, 3}, nil); err == nil {
		t.Error("expected error for short ciphertext")
	}
}
