// Package crypto implements the keyed checksum and secrets services: root
// symmetric ciphers with deterministic per-entity child derivation, AES-GCM
// blob encryption, and PBKDF2-based record digests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the root and derived key size in bytes (AES-256).
const KeySize = 32

// ErrDecrypt is returned on any decryption failure: corrupted ciphertext,
// wrong key, or a payload that does not unmarshal. The cause is deliberately
// not exposed.
var ErrDecrypt = errors.New("decryption failed")

// Cipher is a symmetric cipher bound to one 32-byte key. The process-wide
// roots live in a Keychain; per-entity ciphers are derived via RemixChild.
type Cipher struct {
	key [KeySize]byte
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", KeySize, len(key))
	}
	c := &Cipher{}
	copy(c.key[:], key)
	return c, nil
}

// CipherFromHex creates a Cipher from a 64-character hex key.
func CipherFromHex(hexKey string) (*Cipher, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("cipher key is not valid hex: %w", err)
	}
	return NewCipher(raw)
}

// RemixChild deterministically derives a scoped child cipher for the given
// label (e.g. "user_42"). Secrets encrypted under one label are never
// decryptable under another.
func (c *Cipher) RemixChild(label string) *Cipher {
	r := hkdf.New(sha256.New, c.key[:], nil, []byte(label))
	child := &Cipher{}
	if _, err := io.ReadFull(r, child.key[:]); err != nil {
		// HKDF cannot fail for a single 32-byte block.
		panic(fmt.Sprintf("hkdf remix failed: %v", err))
	}
	return child
}

// Encrypt serializes v to JSON and seals it with AES-256-GCM. The random
// nonce is prepended to the returned ciphertext.
func (c *Cipher) Encrypt(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value for encryption: %w", err)
	}

	aead, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens an Encrypt-produced blob into out. Any failure, including
// a wrong key or tampered ciphertext, returns ErrDecrypt.
func (c *Cipher) Decrypt(data []byte, out any) error {
	aead, err := c.aead()
	if err != nil {
		return err
	}

	if len(data) < aead.NonceSize() {
		return ErrDecrypt
	}

	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ErrDecrypt
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return ErrDecrypt
	}
	return nil
}

func (c *Cipher) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialise AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Keychain holds the process-wide root ciphers. Primary keys user secrets
// and session checksums; secondary keys query logs and audit payloads.
type Keychain struct {
	Primary   *Cipher
	Secondary *Cipher
}

// NewKeychain builds a Keychain from two 64-character hex keys.
func NewKeychain(primaryHex, secondaryHex string) (*Keychain, error) {
	primary, err := CipherFromHex(primaryHex)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	secondary, err := CipherFromHex(secondaryHex)
	if err != nil {
		return nil, fmt.Errorf("secondary key: %w", err)
	}
	return &Keychain{Primary: primary, Secondary: secondary}, nil
}
