// Package encryption protects refresh tokens at rest with AES-256-GCM under a
// key derived per call from a master secret and subject binding info.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32
	SaltSize   = 16
	NonceSize  = 12
	TagSize    = 16
	Iterations = 100_000
)

var (
	// ErrDecryption is returned for every decryption failure. The cause is
	// deliberately not distinguished.
	ErrDecryption     = errors.New("decryption failed: invalid or corrupted data")
	ErrEmptyMasterKey = errors.New("encryption: master key is required")
)

// Sealed is the hex-encoded output of Encrypt. None of the fields is secret
// on its own; all of them are needed to decrypt.
type Sealed struct {
	Ciphertext string
	IV         string
	Salt       string
	AuthTag    string
}

// Engine encrypts and decrypts short payloads bound to a subject.
type Engine struct {
	masterKey []byte
	rand      io.Reader
}

func New(masterKey string) (*Engine, error) {
	if masterKey == "" {
		return nil, ErrEmptyMasterKey
	}
	return &Engine{masterKey: []byte(masterKey), rand: rand.Reader}, nil
}

// deriveKey runs PBKDF2-SHA256 over binding||masterKey.
func (e *Engine) deriveKey(binding string, salt []byte) []byte {
	input := make([]byte, 0, len(binding)+len(e.masterKey))
	input = append(input, binding...)
	input = append(input, e.masterKey...)
	return pbkdf2.Key(input, salt, Iterations, KeySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// Encrypt seals plaintext under a key bound to binding. A fresh salt and IV
// are drawn for every call.
func (e *Engine) Encrypt(plaintext, binding string) (*Sealed, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(e.rand, salt); err != nil {
		return nil, fmt.Errorf("encryption: salt: %w", err)
	}
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return nil, fmt.Errorf("encryption: iv: %w", err)
	}

	key := e.deriveKey(binding, salt)
	defer clear(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	out := aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := out[:len(out)-TagSize], out[len(out)-TagSize:]

	return &Sealed{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		Salt:       hex.EncodeToString(salt),
		AuthTag:    hex.EncodeToString(tag),
	}, nil
}

// Decrypt opens s with the key bound to binding. Any mismatch, including a
// wrong binding, tampered ciphertext or tag, or malformed hex, yields
// ErrDecryption.
func (e *Engine) Decrypt(s *Sealed, binding string) (string, error) {
	if s == nil {
		return "", ErrDecryption
	}
	ct, err1 := hex.DecodeString(s.Ciphertext)
	iv, err2 := hex.DecodeString(s.IV)
	salt, err3 := hex.DecodeString(s.Salt)
	tag, err4 := hex.DecodeString(s.AuthTag)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return "", ErrDecryption
	}
	if len(iv) != NonceSize || len(tag) != TagSize || len(salt) != SaltSize {
		return "", ErrDecryption
	}

	key := e.deriveKey(binding, salt)
	defer clear(key)

	aead, err := newGCM(key)
	if err != nil {
		return "", ErrDecryption
	}
	plaintext, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}
