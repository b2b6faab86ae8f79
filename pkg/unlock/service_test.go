package unlock

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/Coldaine/coldProxy/pkg/keys"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/security"
	"github.com/Coldaine/coldProxy/pkg/store"
)

func testService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc, err := New(st, WebAuthnConfig{
		RPID: "localhost", RPOrigin: "http://localhost:8080", RPDisplayName: "test",
	}, nil)
	if err != nil {
		t.Fatalf("unlock.New: %v", err)
	}
	t.Cleanup(svc.Shutdown)
	return svc, st
}

// provisionPIN writes a full mk/dek/pin-wrapper hierarchy directly.
func provisionPIN(t *testing.T, st *store.Store, uid, pin string) (mk, dek []byte) {
	t.Helper()
	mk, _ = security.RandomBytes(security.KeySize)
	dek, _ = security.RandomBytes(security.KeySize)

	dekBlob, dekNonce, err := keys.Wrap(dek, mk)
	if err != nil {
		t.Fatalf("wrap dek: %v", err)
	}
	dekMeta, _ := json.Marshal(models.DEKMeta{Version: 1})
	if err := st.CreateKey(models.WrappedKey{
		ID: keys.DEKKeyID(uid), Type: models.KeyTypeDEK,
		Blob: dekBlob, Nonce: hex.EncodeToString(dekNonce), Meta: dekMeta,
	}); err != nil {
		t.Fatalf("create dek row: %v", err)
	}

	salt, _ := security.RandomBytes(security.SaltSize)
	kek := keys.DeriveKEKFromPIN(pin, salt)
	mkBlob, mkNonce, err := keys.Wrap(mk, kek)
	if err != nil {
		t.Fatalf("wrap mk: %v", err)
	}
	pinMeta, _ := json.Marshal(models.PINMeta{Salt: hex.EncodeToString(salt)})
	if err := st.CreateKey(models.WrappedKey{
		ID: keys.PINKeyID(uid), Type: models.KeyTypeMasterPIN,
		Blob: mkBlob, Nonce: hex.EncodeToString(mkNonce), Meta: pinMeta,
	}); err != nil {
		t.Fatalf("create pin row: %v", err)
	}
	return mk, dek
}

func TestUnlockWithPIN(t *testing.T) {
	svc, st := testService(t)
	_, dek := provisionPIN(t, st, "u1", "1234")

	// locked before any unlock
	if _, _, ok := svc.DecryptedDEK("u1"); ok {
		t.Fatal("dek available before unlock")
	}

	ok, err := svc.UnlockWithPIN(context.Background(), "u1", "1234")
	if err != nil || !ok {
		t.Fatalf("unlock: ok=%v err=%v", ok, err)
	}

	got, version, ok := svc.DecryptedDEK("u1")
	if !ok {
		t.Fatal("dek unavailable after unlock")
	}
	if version != 1 {
		t.Fatalf("dek version %d", version)
	}
	if !bytes.Equal(got, dek) {
		t.Fatal("dek bytes mismatch")
	}
}

func TestUnlockWrongPINAndLockout(t *testing.T) {
	svc, st := testService(t)
	provisionPIN(t, st, "u1", "1234")

	now := time.Now()
	svc.setClock(func() time.Time { return now })

	for i := 0; i < lockoutThreshold; i++ {
		ok, err := svc.UnlockWithPIN(context.Background(), "u1", "0000")
		if err != nil || ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i, ok, err)
		}
	}
	// 6th attempt is rejected before any derivation, even when correct
	if _, err := svc.UnlockWithPIN(context.Background(), "u1", "1234"); err != ErrAccountLocked {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// after the window elapses a correct PIN succeeds and clears state
	now = now.Add(lockoutWindow + time.Second)
	ok, err := svc.UnlockWithPIN(context.Background(), "u1", "1234")
	if err != nil || !ok {
		t.Fatalf("post-window unlock: ok=%v err=%v", ok, err)
	}
	if svc.failures.locked("u1") {
		t.Fatal("failure record not cleared on success")
	}
}

func TestUnlockUnknownUser(t *testing.T) {
	svc, _ := testService(t)
	ok, err := svc.UnlockWithPIN(context.Background(), "ghost", "1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("unlock succeeded for unknown user")
	}
}

func TestIdleTTLEviction(t *testing.T) {
	svc, st := testService(t)
	provisionPIN(t, st, "u1", "1234")

	now := time.Now()
	svc.setClock(func() time.Time { return now })

	if ok, _ := svc.UnlockWithPIN(context.Background(), "u1", "1234"); !ok {
		t.Fatal("unlock failed")
	}
	if _, _, ok := svc.DecryptedDEK("u1"); !ok {
		t.Fatal("dek unavailable after unlock")
	}

	// 31 idle minutes: entry removed on next access
	now = now.Add(31 * time.Minute)
	if _, _, ok := svc.DecryptedDEK("u1"); ok {
		t.Fatal("dek still available after idle TTL")
	}

	// re-unlock restores access
	if ok, _ := svc.UnlockWithPIN(context.Background(), "u1", "1234"); !ok {
		t.Fatal("re-unlock failed")
	}
	if _, _, ok := svc.DecryptedDEK("u1"); !ok {
		t.Fatal("dek unavailable after re-unlock")
	}
}

func TestSlidingTTLRefreshOnRead(t *testing.T) {
	svc, st := testService(t)
	provisionPIN(t, st, "u1", "1234")

	now := time.Now()
	svc.setClock(func() time.Time { return now })
	if ok, _ := svc.UnlockWithPIN(context.Background(), "u1", "1234"); !ok {
		t.Fatal("unlock failed")
	}

	// reads every 20 minutes keep the entry alive past 30 total
	for i := 0; i < 3; i++ {
		now = now.Add(20 * time.Minute)
		if _, _, ok := svc.DecryptedDEK("u1"); !ok {
			t.Fatalf("entry expired despite refresh at step %d", i)
		}
	}
}

func TestLogoutEvictsKey(t *testing.T) {
	svc, st := testService(t)
	provisionPIN(t, st, "u1", "1234")
	if ok, _ := svc.UnlockWithPIN(context.Background(), "u1", "1234"); !ok {
		t.Fatal("unlock failed")
	}
	svc.Logout("u1")
	if _, _, ok := svc.DecryptedDEK("u1"); ok {
		t.Fatal("dek available after logout")
	}
}
