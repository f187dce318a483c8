// Package crypto seals persisted records with AES-256-GCM under a key
// derived from an operator passphrase.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	stderrors "errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
)

const (
	// KeySize is the AES-256 key size.
	KeySize = 32
	// SaltSize is the salt size for key derivation.
	SaltSize = 32
	// Iterations is the PBKDF2 iteration count.
	Iterations = 100000
)

// SaltKey is the kv key holding the derivation salt.
const SaltKey = "meta/crypto_salt"

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = stderrors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the passphrase is empty.
	ErrInvalidKey = stderrors.New("invalid key")
)

// Sealer encrypts and authenticates records.
type Sealer struct {
	gcm cipher.AEAD
}

// DeriveKey derives a KeySize key from passphrase and salt with PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

// NewSealer creates a Sealer for passphrase and salt.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	if len(salt) != SaltSize {
		return nil, stderrors.New("invalid salt size")
	}
	return NewSealerWithKey(DeriveKey(passphrase, salt))
}

// NewSealerWithKey creates a Sealer from a raw KeySize key.
func NewSealerWithKey(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns the nonce followed by the ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// LoadOrCreateSalt returns the salt stored under SaltKey, generating and
// persisting a new one on first use.
func LoadOrCreateSalt(store kv.Store) ([]byte, error) {
	salt, err := store.Get([]byte(SaltKey))
	if err == nil {
		if len(salt) != SaltSize {
			return nil, errors.Newf(errors.ErrDatabase, "stored salt has %d bytes, want %d", len(salt), SaltSize)
		}
		return salt, nil
	}
	if err != kv.ErrKeyNotFound {
		return nil, errors.Wrap(errors.ErrDatabase, "read salt", err)
	}

	salt = make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := store.Set([]byte(SaltKey), salt); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "store salt", err)
	}
	return salt, nil
}
