// Package crypto seals secrets at rest, chiefly the per-user OAuth tokens the
// publisher needs to talk to Twitter.
//
// Ciphertexts are AES-256-GCM with a random nonce and carry associated data
// supplied by the caller, so a sealed token copied onto another user's row
// fails authentication. Keys are identified by a short fingerprint stored next
// to the ciphertext, which lets a Keyring keep decrypting rows sealed under a
// retired key while new writes always use the primary key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrUnknownKey is returned when a ciphertext names a key id the keyring does not hold.
	ErrUnknownKey = errors.New("unknown encryption key id")
	// ErrDecrypt hides the reason authentication failed.
	ErrDecrypt = errors.New("decryption failed: authentication or integrity check failed")
)

// Encryptor seals and opens byte strings bound to associated data.
type Encryptor interface {
	Encrypt(plaintext, aad []byte) ([]byte, error)
	Decrypt(ciphertext, aad []byte) ([]byte, error)
}

// AESEncryptor is AES-256-GCM under a single key.
type AESEncryptor struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESEncryptor{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID is a stable fingerprint of the key, safe to store in plaintext.
func (e *AESEncryptor) KeyID() string { return e.keyID }

// Encrypt returns nonce || ciphertext || tag.
func (e *AESEncryptor) Encrypt(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens a value produced by Encrypt with the same associated data.
func (e *AESEncryptor) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+e.aead.Overhead(), len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Keyring holds the primary key used for new ciphertexts and any number of
// retired keys that are still accepted for decryption.
type Keyring struct {
	primary *AESEncryptor
	byID    map[string]*AESEncryptor
}

// NewKeyring builds a keyring from a primary key and optional retired keys,
// all base64 encoded.
func NewKeyring(primary string, retired ...string) (*Keyring, error) {
	p, err := NewAESEncryptor(primary)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	kr := &Keyring{primary: p, byID: map[string]*AESEncryptor{p.keyID: p}}
	for i, k := range retired {
		if strings.TrimSpace(k) == "" {
			continue
		}
		e, err := NewAESEncryptor(k)
		if err != nil {
			return nil, fmt.Errorf("retired key %d: %w", i, err)
		}
		if _, dup := kr.byID[e.keyID]; !dup {
			kr.byID[e.keyID] = e
		}
	}
	return kr, nil
}

// PrimaryKeyID is the id new ciphertexts are sealed under.
func (k *Keyring) PrimaryKeyID() string { return k.primary.keyID }

// Seal encrypts plaintext under the primary key and returns base64 text plus
// the key id to store alongside it. Empty input seals to empty output.
func (k *Keyring) Seal(plaintext, aad string) (sealed, keyID string, err error) {
	if plaintext == "" {
		return "", k.primary.keyID, nil
	}
	ct, err := k.primary.Encrypt([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), k.primary.keyID, nil
}

// Open decrypts base64 text sealed under keyID.
func (k *Keyring) Open(sealed, keyID, aad string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	e, ok := k.byID[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	ct, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := e.Decrypt(ct, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// NeedsRotation reports whether a value sealed under keyID should be
// re-sealed under the primary key.
func (k *Keyring) NeedsRotation(keyID string) bool { return keyID != k.primary.keyID }
