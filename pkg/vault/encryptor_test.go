package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Coldaine/coldProxy/pkg/keys"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/security"
	"github.com/Coldaine/coldProxy/pkg/store"
	"github.com/Coldaine/coldProxy/pkg/unlock"
)

func testVault(t *testing.T, chunkSize int) (*Encryptor, *store.Store, *unlock.Service) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ul, err := unlock.New(st, unlock.WebAuthnConfig{
		RPID: "localhost", RPOrigin: "http://localhost:8080", RPDisplayName: "test",
	}, nil)
	if err != nil {
		t.Fatalf("unlock.New: %v", err)
	}
	t.Cleanup(ul.Shutdown)
	return New(st, ul, chunkSize, nil), st, ul
}

// unlockUser provisions a dek row and caches the master key directly,
// sidestepping the slow pin derivation.
func unlockUser(t *testing.T, st *store.Store, ul *unlock.Service, uid string) {
	t.Helper()
	mk, _ := security.RandomBytes(security.KeySize)
	dek, _ := security.RandomBytes(security.KeySize)
	blob, nonce, err := keys.Wrap(dek, mk)
	if err != nil {
		t.Fatalf("wrap dek: %v", err)
	}
	meta, _ := json.Marshal(models.DEKMeta{Version: 1})
	if err := st.CreateKey(models.WrappedKey{
		ID: keys.DEKKeyID(uid), Type: models.KeyTypeDEK,
		Blob: blob, Nonce: hex.EncodeToString(nonce), Meta: meta,
	}); err != nil {
		t.Fatalf("create dek row: %v", err)
	}
	ul.CacheMasterKey(uid, mk)
}

func TestEncryptRequiresUnlock(t *testing.T) {
	v, _, _ := testVault(t, 0)
	_, err := v.EncryptInteraction(context.Background(), Capture{UserID: "u1", Plaintext: []byte("x")})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("got %v, want ErrLocked", err)
	}
}

func TestRoundtripAcrossChunks(t *testing.T) {
	v, st, ul := testVault(t, 64*1024)
	unlockUser(t, st, ul, "u1")

	plain := make([]byte, 150000)
	if _, err := rand.Read(plain); err != nil {
		t.Fatalf("rand: %v", err)
	}
	h, err := v.EncryptInteraction(context.Background(), Capture{
		UserID: "u1", Model: "gpt-x", Tokens: 42, CostUSD: 0.01,
		RequestFingerprint: "fp-1", Plaintext: plain,
	})
	if err != nil {
		t.Fatalf("EncryptInteraction: %v", err)
	}
	if h.ChunkCount != 3 {
		t.Fatalf("chunk_count %d, want 3", h.ChunkCount)
	}
	if h.ByteCount != 150000 {
		t.Fatalf("byte_count %d", h.ByteCount)
	}
	if h.ChunkSize != 64*1024 {
		t.Fatalf("chunk_size %d", h.ChunkSize)
	}
	if h.CipherKeyVersion != 1 {
		t.Fatalf("cipher_key_version %d", h.CipherKeyVersion)
	}

	blobs, err := st.ListBlobs(h.ID)
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if len(blobs) != h.ChunkCount {
		t.Fatalf("blob rows %d, header says %d", len(blobs), h.ChunkCount)
	}

	got, err := v.ReadInteraction(context.Background(), h.ID, "u1")
	if err != nil {
		t.Fatalf("ReadInteraction: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatal("decrypt mismatch")
	}
}

func TestRoundtripExactBoundaryAndEmpty(t *testing.T) {
	v, st, ul := testVault(t, 1024)
	unlockUser(t, st, ul, "u1")
	ctx := context.Background()

	for _, size := range []int{0, 1, 1023, 1024, 1025, 4096} {
		plain := bytes.Repeat([]byte{0x5a}, size)
		h, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: plain})
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		got, err := v.ReadInteraction(ctx, h.ID, "u1")
		if err != nil {
			t.Fatalf("size %d read: %v", size, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("size %d mismatch", size)
		}
	}
}

func TestCiphertextsDifferForSamePlaintext(t *testing.T) {
	v, st, ul := testVault(t, 0)
	unlockUser(t, st, ul, "u1")
	ctx := context.Background()

	plain := []byte("identical plaintext body")
	h1, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: plain})
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	h2, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: plain})
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	b1, _ := st.ListBlobs(h1.ID)
	b2, _ := st.ListBlobs(h2.ID)
	if bytes.Equal(b1[0].Ciphertext, b2[0].Ciphertext) {
		t.Fatal("fresh nonces must produce distinct ciphertexts")
	}
	if b1[0].Nonce == b2[0].Nonce {
		t.Fatal("nonces repeated across encryptions")
	}
}

func TestTamperDetection(t *testing.T) {
	v, st, ul := testVault(t, 1024)
	unlockUser(t, st, ul, "u1")
	ctx := context.Background()

	plain := bytes.Repeat([]byte{7}, 3000)
	h, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: plain})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	other, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: []byte("untouched")})
	if err != nil {
		t.Fatalf("encrypt other: %v", err)
	}

	blobs, _ := st.ListBlobs(h.ID)
	tampered := blobs[1]
	tampered.Ciphertext = append([]byte(nil), tampered.Ciphertext...)
	tampered.Ciphertext[10] ^= 0x01
	txn := st.Begin()
	if err := txn.InsertBlob(tampered); err != nil {
		t.Fatalf("rewrite blob: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := v.ReadInteraction(ctx, h.ID, "u1"); !errors.Is(err, ErrTampered) {
		t.Fatalf("got %v, want ErrTampered", err)
	}
	// other interactions unaffected
	if _, err := v.ReadInteraction(ctx, other.ID, "u1"); err != nil {
		t.Fatalf("untampered interaction failed: %v", err)
	}
}

func TestTamperedNonceDetected(t *testing.T) {
	v, st, ul := testVault(t, 0)
	unlockUser(t, st, ul, "u1")
	ctx := context.Background()

	h, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: []byte("body")})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blobs, _ := st.ListBlobs(h.ID)
	b := blobs[0]
	nonce, _ := hex.DecodeString(b.Nonce)
	nonce[0] ^= 0x01
	b.Nonce = hex.EncodeToString(nonce)
	txn := st.Begin()
	_ = txn.InsertBlob(b)
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := v.ReadInteraction(ctx, h.ID, "u1"); !errors.Is(err, ErrTampered) {
		t.Fatalf("got %v, want ErrTampered", err)
	}
}

func TestChunkCountMismatchDetected(t *testing.T) {
	v, st, ul := testVault(t, 1024)
	unlockUser(t, st, ul, "u1")
	ctx := context.Background()

	h, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: bytes.Repeat([]byte{1}, 2500)})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// drop the last blob row behind the header's back
	blobs, _ := st.ListBlobs(h.ID)
	if err := st.DeleteInteraction(h.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	txn := st.Begin()
	_ = txn.InsertHeader(*h)
	for _, b := range blobs[:len(blobs)-1] {
		_ = txn.InsertBlob(b)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := v.ReadInteraction(ctx, h.ID, "u1"); !errors.Is(err, ErrTampered) {
		t.Fatalf("got %v, want ErrTampered", err)
	}
}

func TestOwnerMismatchReadsAsNotFound(t *testing.T) {
	v, st, ul := testVault(t, 0)
	unlockUser(t, st, ul, "u1")
	unlockUser(t, st, ul, "u2")
	ctx := context.Background()

	h, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: []byte("private")})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := v.ReadInteraction(ctx, h.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := v.ReadInteraction(ctx, "nope", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReadRequiresUnlock(t *testing.T) {
	v, st, ul := testVault(t, 0)
	unlockUser(t, st, ul, "u1")
	ctx := context.Background()

	h, err := v.EncryptInteraction(ctx, Capture{UserID: "u1", Plaintext: []byte("body")})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ul.Logout("u1")
	if _, err := v.ReadInteraction(ctx, h.ID, "u1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("got %v, want ErrLocked", err)
	}
}
