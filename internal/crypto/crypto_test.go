// Package crypto tests for record sealing and key derivation.
package crypto

import (
	"bytes"
	"testing"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
)

func testSealer(t *testing.T, passphrase string) *Sealer {
	t.Helper()
	s, err := NewSealer(passphrase, bytes.Repeat([]byte{7}, SaltSize))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return s
}

// TestSealOpen_roundtrip verifies basic encryption and decryption.
func TestSealOpen_roundtrip(t *testing.T) {
	s := testSealer(t, "correct horse")
	plaintext := []byte(`{"title":"Hello, World!"}`)

	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("Hello")) {
		t.Error("Seal() output contains plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

// TestSeal_uniqueNonce verifies each seal produces a different ciphertext.
func TestSeal_uniqueNonce(t *testing.T) {
	s := testSealer(t, "correct horse")

	a, _ := s.Seal([]byte("same"))
	b, _ := s.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("Seal() produced identical ciphertexts for the same plaintext")
	}
}

// TestOpen_wrongKey verifies authentication fails with another passphrase.
func TestOpen_wrongKey(t *testing.T) {
	sealed, _ := testSealer(t, "one").Seal([]byte("secret"))

	if _, err := testSealer(t, "two").Open(sealed); err != ErrInvalidCiphertext {
		t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestOpen_tampered verifies truncated and modified data is rejected.
func TestOpen_tampered(t *testing.T) {
	s := testSealer(t, "key")
	sealed, _ := s.Seal([]byte("secret"))

	if _, err := s.Open(sealed[:4]); err != ErrInvalidCiphertext {
		t.Errorf("Open(short) error = %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open(sealed); err != ErrInvalidCiphertext {
		t.Errorf("Open(tampered) error = %v", err)
	}
}

// TestNewSealer_validation verifies key and salt checks.
func TestNewSealer_validation(t *testing.T) {
	if _, err := NewSealer("", make([]byte, SaltSize)); err != ErrInvalidKey {
		t.Errorf("empty passphrase error = %v", err)
	}
	if _, err := NewSealer("key", []byte("short")); err == nil {
		t.Error("short salt should be rejected")
	}
	if _, err := NewSealerWithKey(make([]byte, 16)); err != ErrInvalidKey {
		t.Errorf("16-byte key error = %v", err)
	}
}

// TestDeriveKey verifies derivation is deterministic and salt dependent.
func TestDeriveKey(t *testing.T) {
	salt1 := bytes.Repeat([]byte{1}, SaltSize)
	salt2 := bytes.Repeat([]byte{2}, SaltSize)

	k1 := DeriveKey("pass", salt1)
	if len(k1) != KeySize {
		t.Fatalf("len(DeriveKey()) = %d", len(k1))
	}
	if !bytes.Equal(k1, DeriveKey("pass", salt1)) {
		t.Error("DeriveKey() is not deterministic")
	}
	if bytes.Equal(k1, DeriveKey("pass", salt2)) {
		t.Error("DeriveKey() ignores the salt")
	}
}

// TestLoadOrCreateSalt verifies the salt is generated once and reused.
func TestLoadOrCreateSalt(t *testing.T) {
	store := kv.NewMemory()

	first, err := LoadOrCreateSalt(store)
	if err != nil {
		t.Fatalf("LoadOrCreateSalt() error = %v", err)
	}
	if len(first) != SaltSize {
		t.Fatalf("len(salt) = %d", len(first))
	}

	second, err := LoadOrCreateSalt(store)
	if err != nil {
		t.Fatalf("LoadOrCreateSalt() second call error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("LoadOrCreateSalt() regenerated an existing salt")
	}

	if err := store.Set([]byte(SaltKey), []byte("bad")); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateSalt(store); err == nil {
		t.Error("corrupt salt should be rejected")
	}
}
