package unlock

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Coldaine/coldProxy/pkg/keys"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/security"
	"github.com/Coldaine/coldProxy/pkg/store"
)

// waUser adapts stored credential rows to the webauthn.User interface.
type waUser struct {
	id    string
	creds []webauthn.Credential
}

func (u *waUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *waUser) WebAuthnName() string                       { return u.id }
func (u *waUser) WebAuthnDisplayName() string                { return u.id }
func (u *waUser) WebAuthnIcon() string                       { return "" }
func (u *waUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

// credentialRows loads the fido2 rows of one user together with their
// parsed meta documents.
func (s *Service) credentialRows(uid string) ([]models.WrappedKey, []models.FIDOMeta, error) {
	all, err := s.store.ListKeysByType(models.KeyTypeFIDOCredential)
	if err != nil {
		return nil, nil, err
	}
	prefix := keys.FIDOCredentialPrefix(uid)
	var rows []models.WrappedKey
	var metas []models.FIDOMeta
	for _, rec := range all {
		if !strings.HasPrefix(rec.ID, prefix) {
			continue
		}
		var meta models.FIDOMeta
		if err := json.Unmarshal(rec.Meta, &meta); err != nil {
			continue
		}
		rows = append(rows, rec)
		metas = append(metas, meta)
	}
	return rows, metas, nil
}

// waUserFor builds the webauthn user view for uid from stored rows.
func (s *Service) waUserFor(uid string) (*waUser, error) {
	_, metas, err := s.credentialRows(uid)
	if err != nil {
		return nil, err
	}
	u := &waUser{id: uid}
	for _, meta := range metas {
		credID, err := base64.RawURLEncoding.DecodeString(meta.CredentialID)
		if err != nil {
			continue
		}
		pub, err := base64.StdEncoding.DecodeString(meta.CredentialPublicKey)
		if err != nil {
			continue
		}
		u.creds = append(u.creds, webauthn.Credential{
			ID:        credID,
			PublicKey: pub,
			Authenticator: webauthn.Authenticator{
				SignCount: meta.Counter,
			},
		})
	}
	return u, nil
}

// BeginWebAuthn generates authentication options listing the user's
// registered credentials. The returned challenge must be stored on the
// session and presented back at finish time.
func (s *Service) BeginWebAuthn(uid string) (*protocol.CredentialAssertion, string, error) {
	user, err := s.waUserFor(uid)
	if err != nil {
		return nil, "", err
	}
	opts, session, err := s.wa.BeginLogin(user,
		webauthn.WithUserVerification(protocol.VerificationRequired))
	if err != nil {
		return nil, "", err
	}
	return opts, session.Challenge, nil
}

// FinishWebAuthn verifies an assertion response and unwraps the master
// key. The verification failure modes collapse to false; errors are
// reserved for persistence faults.
//
// The FIDO master-key wrapper binds to the exact assertion material
// that created it, so it is refreshed under the current assertion's
// KEK whenever the master key is otherwise available (cached via a
// fresh PIN unlock, or recovered from the wrapper itself).
func (s *Service) FinishWebAuthn(ctx context.Context, uid string, body []byte, expectedChallenge string) (bool, error) {
	mu := s.userLock(uid)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		s.count("webauthn", "failure")
		return false, nil
	}

	rowID := keys.FIDOCredentialID(uid, parsed.ID)
	rec, err := s.store.GetKey(rowID)
	if errors.Is(err, store.ErrNotFound) {
		s.count("webauthn", "failure")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var meta models.FIDOMeta
	if err := json.Unmarshal(rec.Meta, &meta); err != nil {
		return false, err
	}

	user, err := s.waUserFor(uid)
	if err != nil {
		return false, err
	}
	session := webauthn.SessionData{
		Challenge:        expectedChallenge,
		UserID:           []byte(uid),
		UserVerification: protocol.VerificationRequired,
	}
	cred, err := s.wa.ValidateLogin(user, session, parsed)
	if err != nil {
		s.count("webauthn", "failure")
		logger.AuditEvent("unlock_webauthn_failed", "user", uid)
		return false, nil
	}

	// Authenticator counters must strictly increase when in use.
	newCounter := cred.Authenticator.SignCount
	if (meta.Counter != 0 || newCounter != 0) && newCounter <= meta.Counter {
		s.count("webauthn", "failure")
		logger.AuditEvent("unlock_webauthn_counter_regression", "user", uid)
		return false, nil
	}
	meta.Counter = newCounter
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	if err := s.store.UpdateKey(rowID, rec.Blob, rec.Nonce, metaJSON); err != nil {
		return false, err
	}

	salt, err := hex.DecodeString(meta.Salt)
	if err != nil {
		return false, err
	}
	sig := base64.RawURLEncoding.EncodeToString(parsed.Raw.AssertionResponse.Signature)
	kek, err := keys.DeriveKEKFromWebAuthn(parsed.Raw.AssertionResponse.ClientDataJSON, parsed.ID, sig, salt)
	if err != nil {
		return false, err
	}
	defer security.Zeroize(kek)

	wrap, err := s.store.GetKey(keys.FIDOWrapID(uid))
	switch {
	case err == nil:
		nonce, derr := hex.DecodeString(wrap.Nonce)
		if derr != nil {
			return false, derr
		}
		mk, derr := keys.Unwrap(wrap.Blob, nonce, kek)
		if derr == nil {
			s.cache.Put(uid, mk)
			security.Zeroize(mk)
			s.failures.clear(uid)
			s.count("webauthn", "success")
			logger.AuditEvent("unlock_webauthn_ok", "user", uid)
			return true, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	// Wrapper missing or sealed under older assertion material: the
	// assertion itself verified, so refresh the wrapper if the MK is
	// available from a prior unlock in this session window.
	mk, ok := s.cache.Get(uid)
	if !ok {
		s.count("webauthn", "failure")
		return false, nil
	}
	defer security.Zeroize(mk)
	if err := s.rewrapFIDO(uid, mk, kek, err == nil); err != nil {
		return false, err
	}
	s.count("webauthn", "success")
	logger.AuditEvent("unlock_webauthn_ok", "user", uid, "wrapper_refreshed", true)
	return true, nil
}

// rewrapFIDO writes mk_fido_<uid> sealed under kek.
func (s *Service) rewrapFIDO(uid string, mk, kek []byte, exists bool) error {
	blob, nonce, err := keys.Wrap(mk, kek)
	if err != nil {
		return err
	}
	if exists {
		return s.store.UpdateKey(keys.FIDOWrapID(uid), blob, hex.EncodeToString(nonce), json.RawMessage(`{}`))
	}
	return s.store.CreateKey(models.WrappedKey{
		ID:    keys.FIDOWrapID(uid),
		Type:  models.KeyTypeMasterFIDO,
		Blob:  blob,
		Nonce: hex.EncodeToString(nonce),
		Meta:  json.RawMessage(`{}`),
	})
}
