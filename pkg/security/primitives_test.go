package security

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	nonce, _ := RandomBytes(NonceSize)
	aad := []byte("u1interaction-1")
	pt := []byte("the quick brown fox")

	ct, err := AEADSeal(pt, nonce, key, aad)
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	if len(ct) != len(pt)+TagSize {
		t.Fatalf("ciphertext length %d, want %d", len(ct), len(pt)+TagSize)
	}
	got, err := AEADOpen(ct, nonce, key, aad)
	if err != nil {
		t.Fatalf("AEADOpen: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestOpenFailsClosed(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	nonce, _ := RandomBytes(NonceSize)
	aad := []byte("aad")
	ct, err := AEADSeal([]byte("payload"), nonce, key, aad)
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}

	cases := map[string]func() ([]byte, []byte, []byte, []byte){
		"flipped ciphertext": func() ([]byte, []byte, []byte, []byte) {
			c := append([]byte(nil), ct...)
			c[0] ^= 0x01
			return c, nonce, key, aad
		},
		"flipped tag": func() ([]byte, []byte, []byte, []byte) {
			c := append([]byte(nil), ct...)
			c[len(c)-1] ^= 0x01
			return c, nonce, key, aad
		},
		"wrong nonce": func() ([]byte, []byte, []byte, []byte) {
			n := append([]byte(nil), nonce...)
			n[5] ^= 0x01
			return ct, n, key, aad
		},
		"wrong key": func() ([]byte, []byte, []byte, []byte) {
			k, _ := RandomBytes(KeySize)
			return ct, nonce, k, aad
		},
		"altered aad": func() ([]byte, []byte, []byte, []byte) {
			return ct, nonce, key, []byte("add")
		},
	}
	for name, mk := range cases {
		c, n, k, a := mk()
		if _, err := AEADOpen(c, n, k, a); err != ErrDecryptFailed {
			t.Errorf("%s: got %v, want ErrDecryptFailed", name, err)
		}
	}
}

func TestArgon2idDeterministic(t *testing.T) {
	salt, _ := RandomBytes(SaltSize)
	a := Argon2idKey([]byte("1234"), salt)
	b := Argon2idKey([]byte("1234"), salt)
	if !bytes.Equal(a, b) {
		t.Fatalf("same pin+salt must derive the same key")
	}
	salt2, _ := RandomBytes(SaltSize)
	c := Argon2idKey([]byte("1234"), salt2)
	if bytes.Equal(a, c) {
		t.Fatalf("different salts must derive different keys")
	}
	if len(a) != KeySize {
		t.Fatalf("derived key length %d", len(a))
	}
}

func TestHKDFSHA256(t *testing.T) {
	ikm, _ := RandomBytes(32)
	salt, _ := RandomBytes(24)
	a, err := HKDFSHA256(ikm, salt, []byte("coldproxy/v1"), 32)
	if err != nil {
		t.Fatalf("HKDFSHA256: %v", err)
	}
	b, _ := HKDFSHA256(ikm, salt, []byte("coldproxy/v1"), 32)
	if !bytes.Equal(a, b) {
		t.Fatalf("derivation must be deterministic")
	}
	c, _ := HKDFSHA256(ikm, salt, []byte("coldproxy/v2"), 32)
	if bytes.Equal(a, c) {
		t.Fatalf("different info must derive different keys")
	}
}

func TestCTEq(t *testing.T) {
	if !CTEq([]byte("abc"), []byte("abc")) {
		t.Fatal("equal slices")
	}
	if CTEq([]byte("abc"), []byte("abd")) {
		t.Fatal("unequal slices")
	}
	if CTEq([]byte("abc"), []byte("ab")) {
		t.Fatal("unequal lengths")
	}
}

func TestZeroize(t *testing.T) {
	b, _ := RandomBytes(32)
	Zeroize(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroized", i)
		}
	}
}

func TestNonceUniqueness(t *testing.T) {
	const n = 200000
	seen := make(map[[NonceSize]byte]struct{}, n)
	for i := 0; i < n; i++ {
		nonce, err := RandomBytes(NonceSize)
		if err != nil {
			t.Fatalf("RandomBytes: %v", err)
		}
		var k [NonceSize]byte
		copy(k[:], nonce)
		if _, dup := seen[k]; dup {
			t.Fatalf("nonce repeated after %d draws", i)
		}
		seen[k] = struct{}{}
	}
}
