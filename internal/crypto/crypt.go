// Package crypto holds the symmetric key material handed out to P2P group members.
// Keys are drawn from crypto/rand. Relayed payloads are sealed with ChaCha20-Poly1305
// under a key derived from the member key with HKDF-SHA256.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultKeyLength is the member key size used when none is configured.
	DefaultKeyLength = 16

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// SealOverhead is the number of bytes Seal adds to a plaintext.
	SealOverhead = NonceSize + TagSize

	// hkdfInfo is the context string for deriving the AEAD key.
	hkdfInfo = "netsphere-p2p-relay-v1"
)

var (
	// ErrInvalidKeyLength is returned for key lengths other than 16, 24 or 32.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrDestroyed is returned when a destroyed Crypt is used.
	ErrDestroyed = errors.New("crypt destroyed")
)

// newKDF returns the stream the AEAD key is read from. Replaced in tests.
var newKDF = func(secret []byte) io.Reader {
	return hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
}

// ValidKeyLength reports whether n is an accepted member key length.
func ValidKeyLength(n int) bool {
	switch n {
	case 16, 24, 32:
		return true
	default:
		return false
	}
}

// Crypt holds the symmetric key of one group member.
// It is safe for concurrent use.
type Crypt struct {
	mu        sync.RWMutex
	key       []byte
	aeadKey   [chacha20poly1305.KeySize]byte
	destroyed bool
}

// NewCrypt generates a key of keyLength random bytes.
func NewCrypt(keyLength int) (*Crypt, error) {
	if !ValidKeyLength(keyLength) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, keyLength)
	}

	key := make([]byte, keyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	c := &Crypt{key: key}
	if _, err := io.ReadFull(newKDF(key), c.aeadKey[:]); err != nil {
		ZeroBytes(key)
		ZeroBytes(c.aeadKey[:])
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return c, nil
}

// Key returns a copy of the key bytes, or nil once destroyed.
func (c *Crypt) Key() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.destroyed {
		return nil
	}
	out := make([]byte, len(c.key))
	copy(out, c.key)
	return out
}

// KeyLength returns the configured key length in bytes.
func (c *Crypt) KeyLength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.key)
}

// Destroyed reports whether Destroy has been called.
func (c *Crypt) Destroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// Destroy wipes the key material. Calling it more than once, or on a nil
// Crypt, is a no-op.
func (c *Crypt) Destroy() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}
	ZeroBytes(c.key)
	ZeroBytes(c.aeadKey[:])
	c.destroyed = true
}

// Seal encrypts plaintext. The output is nonce || ciphertext || tag.
func (c *Crypt) Seal(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}

	aead, err := chacha20poly1305.New(c.aeadKey[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open decrypts a message produced by Seal.
func (c *Crypt) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < SealOverhead {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.destroyed {
		return nil, ErrDestroyed
	}

	aead, err := chacha20poly1305.New(c.aeadKey[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// ZeroBytes zeroes out a byte slice to prevent key material from lingering
// in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
