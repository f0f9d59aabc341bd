package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
)

const nonceSize = 12

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// Protector wraps small secrets at rest with AES-256-GCM. The key is
// SHA-256("machine:user"); every Protect call draws a fresh nonce that is
// stored as the prefix of the returned blob.
type Protector struct {
	key []byte
}

// NewProtector derives the wrapping key from a machine name and a user name
func NewProtector(machine, user string) *Protector {
	sum := sha256.Sum256([]byte(machine + ":" + user))
	return &Protector{key: sum[:]}
}

// NewMachineProtector binds the wrapping key to this host and account
func NewMachineProtector() (*Protector, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}
	username, err := currentUsername()
	if err != nil {
		return nil, err
	}
	return NewProtector(hostname, username), nil
}

// Protect encrypts data
func (p *Protector) Protect(data []byte) ([]byte, error) {
	return sealGCM(p.key, data)
}

// Unprotect decrypts a blob produced by Protect
func (p *Protector) Unprotect(blob []byte) ([]byte, error) {
	return openGCM(p.key, blob)
}

// sealGCM returns nonce || ciphertext || tag
func sealGCM(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openGCM(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < nonceSize+gcm.Overhead() {
		return nil, errCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SlowEquals compares a and b in time proportional to the shorter input.
// A length difference is folded into the result.
func SlowEquals(a, b []byte) bool {
	diff := uint32(len(a)) ^ uint32(len(b))
	for i := 0; i < len(a) && i < len(b); i++ {
		diff |= uint32(a[i] ^ b[i])
	}
	return diff == 0
}

// zeroBytes wipes sensitive material
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
