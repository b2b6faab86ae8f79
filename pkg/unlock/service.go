// Package unlock implements the unlock service: PIN and WebAuthn
// unlock flows, the master-key cache, failure accounting and DEK
// materialization.
package unlock

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Coldaine/coldProxy/pkg/keys"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/security"
	"github.com/Coldaine/coldProxy/pkg/store"
	"github.com/Coldaine/coldProxy/pkg/telemetry"
)

// ErrAccountLocked is returned while a user is locked out after
// repeated wrong PINs. It does not reveal whether the account exists.
var ErrAccountLocked = errors.New("unlock: account locked")

// WebAuthnConfig identifies the relying party for assertion checks.
type WebAuthnConfig struct {
	RPID          string
	RPOrigin      string
	RPDisplayName string
}

// Service coordinates unlock attempts. Attempts for the same user are
// serialized; different users proceed in parallel.
type Service struct {
	store    *store.Store
	cache    *MKCache
	failures *failureTracker
	wa       *webauthn.WebAuthn
	metrics  *telemetry.Metrics

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	now func() time.Time
}

// New builds an unlock service over the given store.
func New(st *store.Store, cfg WebAuthnConfig, metrics *telemetry.Metrics) (*Service, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     []string{cfg.RPOrigin},
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     st,
		cache:     NewMKCache(defaultCacheCap, defaultCacheTTL),
		failures:  newFailureTracker(),
		wa:        wa,
		metrics:   metrics,
		userLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}, nil
}

// Cache exposes the MK cache for lifecycle management (logout,
// shutdown).
func (s *Service) Cache() *MKCache { return s.cache }

// WebAuthn exposes the relying-party handle so the setup service can
// run registration ceremonies against the same configuration.
func (s *Service) WebAuthn() *webauthn.WebAuthn { return s.wa }

// UnlockWithPIN attempts a PIN unlock. Cryptographic failures collapse
// to false; the only errors are lockout and transient persistence
// faults.
func (s *Service) UnlockWithPIN(ctx context.Context, uid, pin string) (bool, error) {
	mu := s.userLock(uid)
	mu.Lock()
	defer mu.Unlock()

	if s.failures.locked(uid) {
		s.count("pin", "lockout")
		return false, ErrAccountLocked
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	rec, err := s.store.GetKey(keys.PINKeyID(uid))
	if errors.Is(err, store.ErrNotFound) {
		// Equalize timing for unknown users with a throwaway
		// derivation over the submitted PIN.
		salt, rerr := security.RandomBytes(security.SaltSize)
		if rerr == nil {
			security.Zeroize(keys.DeriveKEKFromPIN(pin, salt))
		}
		s.count("pin", "failure")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var meta models.PINMeta
	if err := json.Unmarshal(rec.Meta, &meta); err != nil {
		return false, err
	}
	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return false, err
	}
	nonce, err := hex.DecodeString(rec.Nonce)
	if err != nil {
		return false, err
	}

	kek := keys.DeriveKEKFromPIN(pin, salt)
	defer security.Zeroize(kek)

	mk, err := keys.Unwrap(rec.Blob, nonce, kek)
	if err != nil {
		s.failures.recordFailure(uid)
		s.count("pin", "failure")
		logger.AuditEvent("unlock_pin_failed", "user", uid)
		return false, nil
	}
	defer security.Zeroize(mk)

	s.cache.Put(uid, mk)
	s.failures.clear(uid)
	s.count("pin", "success")
	logger.AuditEvent("unlock_pin_ok", "user", uid)
	return true, nil
}

// DecryptedDEK returns a copy of the user's DEK and its version iff
// the master key is cached and the wrapped DEK unwraps cleanly. The
// DEK itself is never cached. Callers must zeroize the returned key.
func (s *Service) DecryptedDEK(uid string) ([]byte, int, bool) {
	mk, ok := s.cache.Get(uid)
	if !ok {
		return nil, 0, false
	}
	defer security.Zeroize(mk)

	rec, err := s.store.GetKey(keys.DEKKeyID(uid))
	if err != nil {
		return nil, 0, false
	}
	nonce, err := hex.DecodeString(rec.Nonce)
	if err != nil {
		return nil, 0, false
	}
	dek, err := keys.Unwrap(rec.Blob, nonce, mk)
	if err != nil {
		return nil, 0, false
	}
	var meta models.DEKMeta
	if err := json.Unmarshal(rec.Meta, &meta); err != nil {
		security.Zeroize(dek)
		return nil, 0, false
	}
	return dek, meta.Version, true
}

// MasterKey returns a copy of the cached MK for uid. Used by the setup
// service for rotation and wrapper refresh. Callers must zeroize it.
func (s *Service) MasterKey(uid string) ([]byte, bool) {
	return s.cache.Get(uid)
}

// CacheMasterKey inserts mk into the cache on behalf of setup/recovery
// flows. The caller retains ownership of mk.
func (s *Service) CacheMasterKey(uid string, mk []byte) {
	s.cache.Put(uid, mk)
}

// Logout evicts and zeroizes the user's cached master key.
func (s *Service) Logout(uid string) {
	s.cache.Evict(uid)
	logger.AuditEvent("logout", "user", uid)
}

// Shutdown drops the cache, zeroizing every cached key.
func (s *Service) Shutdown() {
	s.cache.Shutdown()
}

func (s *Service) userLock(uid string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.userLocks[uid]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[uid] = mu
	}
	return mu
}

func (s *Service) count(method, result string) {
	if s.metrics != nil {
		s.metrics.UnlockAttempts.WithLabelValues(method, result).Inc()
	}
}

// setClock overrides the service and tracker clocks. Test hook.
func (s *Service) setClock(now func() time.Time) {
	s.now = now
	s.failures.now = now
	s.cache.setClock(now)
}
