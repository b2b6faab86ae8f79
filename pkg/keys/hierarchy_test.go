package keys

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/Coldaine/coldProxy/pkg/security"
)

func TestWrapUnwrap(t *testing.T) {
	plain, _ := security.RandomBytes(security.KeySize)
	wrapping, _ := security.RandomBytes(security.KeySize)

	blob, nonce, err := Wrap(plain, wrapping)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if len(nonce) != security.NonceSize {
		t.Fatalf("nonce length %d", len(nonce))
	}
	got, err := Unwrap(blob, nonce, wrapping)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("unwrap mismatch")
	}

	other, _ := security.RandomBytes(security.KeySize)
	if _, err := Unwrap(blob, nonce, other); err != security.ErrDecryptFailed {
		t.Fatalf("wrong key: got %v", err)
	}
}

func TestWrapFreshNonces(t *testing.T) {
	plain, _ := security.RandomBytes(security.KeySize)
	wrapping, _ := security.RandomBytes(security.KeySize)
	b1, n1, _ := Wrap(plain, wrapping)
	b2, n2, _ := Wrap(plain, wrapping)
	if bytes.Equal(n1, n2) {
		t.Fatal("nonces must be fresh per wrap")
	}
	if bytes.Equal(b1, b2) {
		t.Fatal("same plaintext must not produce identical ciphertexts")
	}
}

func TestWrapRejectsShortKey(t *testing.T) {
	wrapping, _ := security.RandomBytes(security.KeySize)
	if _, _, err := Wrap([]byte("short"), wrapping); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}
}

func TestDeriveInteractionKey(t *testing.T) {
	dek, _ := security.RandomBytes(security.KeySize)
	nonce, _ := security.RandomBytes(security.NonceSize)

	a, err := DeriveInteractionKey(dek, nonce)
	if err != nil {
		t.Fatalf("DeriveInteractionKey: %v", err)
	}
	b, _ := DeriveInteractionKey(dek, nonce)
	if !bytes.Equal(a, b) {
		t.Fatal("derivation must be reproducible from the stored nonce")
	}
	nonce2, _ := security.RandomBytes(security.NonceSize)
	c, _ := DeriveInteractionKey(dek, nonce2)
	if bytes.Equal(a, c) {
		t.Fatal("different key nonces must yield different keys")
	}
}

func TestDeriveKEKFromWebAuthn(t *testing.T) {
	challenge := base64.RawURLEncoding.EncodeToString([]byte("challenge-bytes"))
	clientData, _ := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": challenge,
		"origin":    "http://localhost:8080",
	})
	credID := base64.RawURLEncoding.EncodeToString([]byte("credential-id"))
	sig := base64.RawURLEncoding.EncodeToString([]byte("signature-bytes"))
	salt, _ := security.RandomBytes(security.SaltSize)

	a, err := DeriveKEKFromWebAuthn(clientData, credID, sig, salt)
	if err != nil {
		t.Fatalf("DeriveKEKFromWebAuthn: %v", err)
	}
	if len(a) != security.KeySize {
		t.Fatalf("kek length %d", len(a))
	}
	b, _ := DeriveKEKFromWebAuthn(clientData, credID, sig, salt)
	if !bytes.Equal(a, b) {
		t.Fatal("same assertion material must derive the same kek")
	}

	sig2 := base64.RawURLEncoding.EncodeToString([]byte("other-signature"))
	c, _ := DeriveKEKFromWebAuthn(clientData, credID, sig2, salt)
	if bytes.Equal(a, c) {
		t.Fatal("different signatures must derive different keks")
	}

	if _, err := DeriveKEKFromWebAuthn([]byte("not json"), credID, sig, salt); err == nil {
		t.Fatal("invalid clientDataJSON must fail")
	}
	if _, err := DeriveKEKFromWebAuthn(clientData, "!!!", sig, salt); err == nil {
		t.Fatal("invalid credential id encoding must fail")
	}
}

func TestKeyIDs(t *testing.T) {
	if got := PINKeyID("u1"); got != "mk_pin_u1" {
		t.Fatalf("PINKeyID: %s", got)
	}
	if got := FIDOWrapID("u1"); got != "mk_fido_u1" {
		t.Fatalf("FIDOWrapID: %s", got)
	}
	if got := RecoveryKeyID("u1"); got != "mk_recovery_u1" {
		t.Fatalf("RecoveryKeyID: %s", got)
	}
	if got := DEKKeyID("u1"); got != "dek_u1" {
		t.Fatalf("DEKKeyID: %s", got)
	}
	if got := FIDOCredentialID("u1", "abc"); got != "fido2_u1_abc" {
		t.Fatalf("FIDOCredentialID: %s", got)
	}
}
