// Package setup provisions the key hierarchy: first-time PIN setup,
// WebAuthn registration, recovery codes, master-key rotation and
// recovery.
package setup

import (
	"context"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Coldaine/coldProxy/pkg/keys"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/security"
	"github.com/Coldaine/coldProxy/pkg/store"
	"github.com/Coldaine/coldProxy/pkg/unlock"
)

var (
	// ErrAlreadyProvisioned is returned when SetPin runs for a user
	// that already has a key hierarchy.
	ErrAlreadyProvisioned = errors.New("setup: user already provisioned")
	// ErrLocked is returned when an operation needs the cached master
	// key and none is present.
	ErrLocked = errors.New("setup: master key not unlocked")
	// ErrInvalidPIN is returned when rotation is given a PIN that does
	// not open the current wrapper.
	ErrInvalidPIN = errors.New("setup: invalid pin")
	// ErrInvalidRecoveryCode is returned when a recovery code does not
	// open the recovery wrapper.
	ErrInvalidRecoveryCode = errors.New("setup: invalid recovery code")
)

// Service performs provisioning and rotation over the key store.
type Service struct {
	store  *store.Store
	unlock *unlock.Service
}

// New builds a setup service.
func New(st *store.Store, ul *unlock.Service) *Service {
	return &Service{store: st, unlock: ul}
}

// SetPin provisions a fresh master key, data key and PIN wrapper for a
// new user. The hierarchy is written atomically; nothing is cached.
func (s *Service) SetPin(ctx context.Context, uid, pin string) error {
	if _, err := s.store.GetKey(keys.DEKKeyID(uid)); err == nil {
		return ErrAlreadyProvisioned
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mk, err := security.RandomBytes(security.KeySize)
	if err != nil {
		return err
	}
	defer security.Zeroize(mk)
	dek, err := security.RandomBytes(security.KeySize)
	if err != nil {
		return err
	}
	defer security.Zeroize(dek)

	dekBlob, dekNonce, err := keys.Wrap(dek, mk)
	if err != nil {
		return err
	}

	salt, err := security.RandomBytes(security.SaltSize)
	if err != nil {
		return err
	}
	kek := keys.DeriveKEKFromPIN(pin, salt)
	defer security.Zeroize(kek)
	mkBlob, mkNonce, err := keys.Wrap(mk, kek)
	if err != nil {
		return err
	}

	dekMeta, _ := json.Marshal(models.DEKMeta{Version: 1})
	pinMeta, _ := json.Marshal(models.PINMeta{Salt: hex.EncodeToString(salt)})

	txn := s.store.Begin()
	if err := txn.PutKey(models.WrappedKey{
		ID: keys.DEKKeyID(uid), Type: models.KeyTypeDEK,
		Blob: dekBlob, Nonce: hex.EncodeToString(dekNonce), Meta: dekMeta,
	}); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.PutKey(models.WrappedKey{
		ID: keys.PINKeyID(uid), Type: models.KeyTypeMasterPIN,
		Blob: mkBlob, Nonce: hex.EncodeToString(mkNonce), Meta: pinMeta,
	}); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	logger.AuditEvent("pin_provisioned", "user", uid)
	return nil
}

// ChangePin rewraps the cached master key under a KEK derived from a
// new PIN. Requires an unlocked session; used after recovery as well.
func (s *Service) ChangePin(uid, newPin string) error {
	mk, ok := s.unlock.MasterKey(uid)
	if !ok {
		return ErrLocked
	}
	defer security.Zeroize(mk)

	salt, err := security.RandomBytes(security.SaltSize)
	if err != nil {
		return err
	}
	kek := keys.DeriveKEKFromPIN(newPin, salt)
	defer security.Zeroize(kek)
	blob, nonce, err := keys.Wrap(mk, kek)
	if err != nil {
		return err
	}
	meta, _ := json.Marshal(models.PINMeta{Salt: hex.EncodeToString(salt)})

	err = s.store.UpdateKey(keys.PINKeyID(uid), blob, hex.EncodeToString(nonce), meta)
	if errors.Is(err, store.ErrNotFound) {
		err = s.store.CreateKey(models.WrappedKey{
			ID: keys.PINKeyID(uid), Type: models.KeyTypeMasterPIN,
			Blob: blob, Nonce: hex.EncodeToString(nonce), Meta: meta,
		})
	}
	if err != nil {
		return err
	}
	logger.AuditEvent("pin_changed", "user", uid)
	return nil
}

// GenerateRecoveryCode mints the one-time recovery code and stores the
// master key wrapped under a KEK derived from it. The returned code is
// shown once and never persisted.
func (s *Service) GenerateRecoveryCode(uid string) (string, error) {
	mk, ok := s.unlock.MasterKey(uid)
	if !ok {
		return "", ErrLocked
	}
	defer security.Zeroize(mk)

	raw, err := security.RandomBytes(32)
	if err != nil {
		return "", err
	}
	defer security.Zeroize(raw)
	salt, err := security.RandomBytes(security.SaltSize)
	if err != nil {
		return "", err
	}
	kek, err := keys.DeriveKEKFromRecoveryCode(raw, salt)
	if err != nil {
		return "", err
	}
	defer security.Zeroize(kek)
	blob, nonce, err := keys.Wrap(mk, kek)
	if err != nil {
		return "", err
	}
	meta, _ := json.Marshal(models.RecoveryMeta{Salt: hex.EncodeToString(salt)})

	rec := models.WrappedKey{
		ID: keys.RecoveryKeyID(uid), Type: models.KeyTypeRecovery,
		Blob: blob, Nonce: hex.EncodeToString(nonce), Meta: meta,
	}
	if err := s.store.DeleteKey(rec.ID); err != nil {
		return "", err
	}
	if err := s.store.CreateKey(rec); err != nil {
		return "", err
	}
	logger.AuditEvent("recovery_code_issued", "user", uid)
	return formatRecoveryCode(raw), nil
}

// RecoverMasterKey unlocks via the recovery code and removes the PIN
// and FIDO wrappers, forcing re-provisioning of both.
func (s *Service) RecoverMasterKey(uid, code string) error {
	rec, err := s.store.GetKey(keys.RecoveryKeyID(uid))
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidRecoveryCode
	}
	if err != nil {
		return err
	}
	var meta models.RecoveryMeta
	if err := json.Unmarshal(rec.Meta, &meta); err != nil {
		return err
	}
	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return err
	}
	raw, err := parseRecoveryCode(code)
	if err != nil {
		return ErrInvalidRecoveryCode
	}
	defer security.Zeroize(raw)
	kek, err := keys.DeriveKEKFromRecoveryCode(raw, salt)
	if err != nil {
		return err
	}
	defer security.Zeroize(kek)
	nonce, err := hex.DecodeString(rec.Nonce)
	if err != nil {
		return err
	}
	mk, err := keys.Unwrap(rec.Blob, nonce, kek)
	if err != nil {
		return ErrInvalidRecoveryCode
	}
	defer security.Zeroize(mk)

	s.unlock.CacheMasterKey(uid, mk)

	// The code is single-use: drop it along with the stale wrappers.
	txn := s.store.Begin()
	txn.DeleteKey(keys.RecoveryKeyID(uid), models.KeyTypeRecovery)
	txn.DeleteKey(keys.PINKeyID(uid), models.KeyTypeMasterPIN)
	txn.DeleteKey(keys.FIDOWrapID(uid), models.KeyTypeMasterFIDO)
	if err := txn.Commit(); err != nil {
		return err
	}
	logger.AuditEvent("master_key_recovered", "user", uid)
	return nil
}

// RotateMasterKey generates a new master key and atomically rewraps
// the user's data key and PIN wrapper under it. The FIDO and recovery
// wrappers cannot be rewrapped without their user-held secrets, so
// they are dropped and must be re-provisioned. The DEK bytes are
// unchanged; its wrap version is incremented.
func (s *Service) RotateMasterKey(uid, pin string) error {
	oldMK, ok := s.unlock.MasterKey(uid)
	if !ok {
		return ErrLocked
	}
	defer security.Zeroize(oldMK)

	pinRec, err := s.store.GetKey(keys.PINKeyID(uid))
	if err != nil {
		return err
	}
	var pinMeta models.PINMeta
	if err := json.Unmarshal(pinRec.Meta, &pinMeta); err != nil {
		return err
	}
	pinSalt, err := hex.DecodeString(pinMeta.Salt)
	if err != nil {
		return err
	}
	kek := keys.DeriveKEKFromPIN(pin, pinSalt)
	defer security.Zeroize(kek)
	pinNonce, err := hex.DecodeString(pinRec.Nonce)
	if err != nil {
		return err
	}
	check, err := keys.Unwrap(pinRec.Blob, pinNonce, kek)
	if err != nil || !security.CTEq(check, oldMK) {
		if check != nil {
			security.Zeroize(check)
		}
		return ErrInvalidPIN
	}
	security.Zeroize(check)

	newMK, err := security.RandomBytes(security.KeySize)
	if err != nil {
		return err
	}
	defer security.Zeroize(newMK)

	dekRec, err := s.store.GetKey(keys.DEKKeyID(uid))
	if err != nil {
		return err
	}
	var dekMeta models.DEKMeta
	if err := json.Unmarshal(dekRec.Meta, &dekMeta); err != nil {
		return err
	}
	dekNonce, err := hex.DecodeString(dekRec.Nonce)
	if err != nil {
		return err
	}
	dek, err := keys.Unwrap(dekRec.Blob, dekNonce, oldMK)
	if err != nil {
		return fmt.Errorf("setup: unwrap dek during rotation: %w", err)
	}
	defer security.Zeroize(dek)

	newDekBlob, newDekNonce, err := keys.Wrap(dek, newMK)
	if err != nil {
		return err
	}
	newMKBlob, newMKNonce, err := keys.Wrap(newMK, kek)
	if err != nil {
		return err
	}
	dekMeta.Version++
	newDekMeta, _ := json.Marshal(dekMeta)

	txn := s.store.Begin()
	if err := txn.PutKey(models.WrappedKey{
		ID: keys.DEKKeyID(uid), Type: models.KeyTypeDEK,
		Blob: newDekBlob, Nonce: hex.EncodeToString(newDekNonce), Meta: newDekMeta,
	}); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.PutKey(models.WrappedKey{
		ID: keys.PINKeyID(uid), Type: models.KeyTypeMasterPIN,
		Blob: newMKBlob, Nonce: hex.EncodeToString(newMKNonce), Meta: pinRec.Meta,
	}); err != nil {
		txn.Rollback()
		return err
	}
	txn.DeleteKey(keys.FIDOWrapID(uid), models.KeyTypeMasterFIDO)
	txn.DeleteKey(keys.RecoveryKeyID(uid), models.KeyTypeRecovery)
	if err := txn.Commit(); err != nil {
		return err
	}

	s.unlock.CacheMasterKey(uid, newMK)
	logger.AuditEvent("master_key_rotated", "user", uid, "dek_version", dekMeta.Version)
	return nil
}

var recoveryEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// formatRecoveryCode renders 32 random bytes as dash-grouped base32.
func formatRecoveryCode(raw []byte) string {
	s := recoveryEncoding.EncodeToString(raw)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseRecoveryCode(code string) ([]byte, error) {
	clean := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	return recoveryEncoding.DecodeString(clean)
}
