// Package security provides the crypto primitives used by the key
// hierarchy and the interaction encryptor: XChaCha20-Poly1305 AEAD,
// Argon2id password hashing, HKDF-SHA256 and byte hygiene helpers.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every symmetric key in the hierarchy.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20-Poly1305 nonce size (24 bytes).
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize is the Poly1305 tag appended to every ciphertext.
	TagSize = chacha20poly1305.Overhead
	// SaltSize is the salt length for Argon2id and HKDF derivations.
	SaltSize = 16
)

// Argon2id parameters. Fixed; callers must not weaken them.
const (
	argonTime    = 3
	argonMemory  = 128 * 1024 // KiB
	argonThreads = 1
)

// ErrDecryptFailed is returned on any AEAD open failure: tag mismatch,
// wrong key, wrong nonce or altered associated data. Callers must not
// distinguish further.
var ErrDecryptFailed = errors.New("security: decrypt failed")

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// AEADSeal encrypts plaintext under key with the caller-generated
// 24-byte nonce and optional associated data. The nonce must be unique
// per (key, message).
func AEADSeal(plaintext, nonce, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, errors.New("security: nonce must be 24 bytes")
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts ciphertext produced by AEADSeal. Every failure mode
// collapses to ErrDecryptFailed.
func AEADOpen(ciphertext, nonce, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// Argon2idKey derives a 32-byte key from a low-entropy secret and salt.
func Argon2idKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, KeySize)
}

// HKDFSHA256 expands ikm into n output bytes under salt and info.
func HKDFSHA256(ikm, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CTEq compares two byte slices in constant time.
func CTEq(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b in place. Best effort; the KeepAlive prevents
// the compiler from eliding the writes.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
