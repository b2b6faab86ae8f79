// Package keys implements the key hierarchy: wrapping keys under keys
// with XChaCha20-Poly1305, and deriving interaction keys and
// key-encryption keys from user secrets.
package keys

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Coldaine/coldProxy/pkg/security"
)

// HKDF info strings. The interaction-key label is part of the on-disk
// format; changing either breaks every existing ciphertext.
const (
	interactionKeyInfo = "coldproxy/v1"
	webauthnKEKInfo    = "ccflare-webauthn-kek"
	recoveryKEKInfo    = "coldproxy/recovery-kek"
)

// Wrap seals a 32-byte key under wrappingKey with a fresh 24-byte
// nonce. No AAD: the enclosing record carries type and version.
func Wrap(plainKey, wrappingKey []byte) (blob, nonce []byte, err error) {
	if len(plainKey) != security.KeySize {
		return nil, nil, fmt.Errorf("keys: plaintext key must be %d bytes", security.KeySize)
	}
	nonce, err = security.RandomBytes(security.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	blob, err = security.AEADSeal(plainKey, nonce, wrappingKey, nil)
	if err != nil {
		return nil, nil, err
	}
	return blob, nonce, nil
}

// Unwrap opens a wrapped key. Returns security.ErrDecryptFailed on any
// mismatch.
func Unwrap(blob, nonce, wrappingKey []byte) ([]byte, error) {
	return security.AEADOpen(blob, nonce, wrappingKey, nil)
}

// DeriveInteractionKey derives the per-interaction key from the user's
// DEK and the key nonce persisted on the interaction header.
func DeriveInteractionKey(dek, keyNonce []byte) ([]byte, error) {
	return security.HKDFSHA256(dek, keyNonce, []byte(interactionKeyInfo), security.KeySize)
}

// DeriveKEKFromPIN derives a key-encryption key from a PIN and salt via
// Argon2id.
func DeriveKEKFromPIN(pin string, salt []byte) []byte {
	return security.Argon2idKey([]byte(pin), salt)
}

// DeriveKEKFromRecoveryCode derives a key-encryption key from decoded
// recovery-code bytes via HKDF.
func DeriveKEKFromRecoveryCode(code, salt []byte) ([]byte, error) {
	return security.HKDFSHA256(code, salt, []byte(recoveryKEKInfo), security.KeySize)
}

// DeriveKEKFromWebAuthn derives a key-encryption key from assertion
// material. The IKM is challenge || credentialId || signature, each
// base64url-decoded, with the challenge extracted from clientDataJSON.
func DeriveKEKFromWebAuthn(clientDataJSON []byte, credentialID, signature string, salt []byte) ([]byte, error) {
	var clientData struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(clientDataJSON, &clientData); err != nil {
		return nil, fmt.Errorf("keys: invalid clientDataJSON: %w", err)
	}
	challenge, err := base64.RawURLEncoding.DecodeString(clientData.Challenge)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid challenge encoding: %w", err)
	}
	credID, err := base64.RawURLEncoding.DecodeString(credentialID)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid credentialId encoding: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid signature encoding: %w", err)
	}
	ikm := make([]byte, 0, len(challenge)+len(credID)+len(sig))
	ikm = append(ikm, challenge...)
	ikm = append(ikm, credID...)
	ikm = append(ikm, sig...)
	defer security.Zeroize(ikm)
	return security.HKDFSHA256(ikm, salt, []byte(webauthnKEKInfo), security.KeySize)
}
