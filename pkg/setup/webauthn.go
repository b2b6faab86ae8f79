package setup

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Coldaine/coldProxy/pkg/keys"
	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/security"
)

type registrationUser struct{ id string }

func (u *registrationUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *registrationUser) WebAuthnName() string                       { return u.id }
func (u *registrationUser) WebAuthnDisplayName() string                { return u.id }
func (u *registrationUser) WebAuthnIcon() string                       { return "" }
func (u *registrationUser) WebAuthnCredentials() []webauthn.Credential { return nil }

// BeginWebAuthnRegistration creates attestation options for enrolling
// a new authenticator. The challenge must be echoed at finish time.
func (s *Service) BeginWebAuthnRegistration(uid string) (*protocol.CredentialCreation, string, error) {
	if _, ok := s.unlock.MasterKey(uid); !ok {
		return nil, "", ErrLocked
	}
	opts, session, err := s.unlock.WebAuthn().BeginRegistration(&registrationUser{id: uid})
	if err != nil {
		return nil, "", err
	}
	return opts, session.Challenge, nil
}

// FinishWebAuthnRegistration verifies the attestation and stores the
// credential row with a fresh per-credential salt. The master-key FIDO
// wrapper itself is written on the first verified assertion, sealed
// under the KEK derived from that assertion's material.
func (s *Service) FinishWebAuthnRegistration(uid string, body []byte, expectedChallenge string) error {
	if _, ok := s.unlock.MasterKey(uid); !ok {
		return ErrLocked
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return err
	}
	session := webauthn.SessionData{
		Challenge: expectedChallenge,
		UserID:    []byte(uid),
	}
	cred, err := s.unlock.WebAuthn().CreateCredential(&registrationUser{id: uid}, session, parsed)
	if err != nil {
		return err
	}

	salt, err := security.RandomBytes(security.SaltSize)
	if err != nil {
		return err
	}
	credID := base64.RawURLEncoding.EncodeToString(cred.ID)
	meta, _ := json.Marshal(models.FIDOMeta{
		CredentialID:        credID,
		CredentialPublicKey: base64.StdEncoding.EncodeToString(cred.PublicKey),
		Counter:             cred.Authenticator.SignCount,
		Salt:                hex.EncodeToString(salt),
	})
	err = s.store.CreateKey(models.WrappedKey{
		ID:   keys.FIDOCredentialID(uid, credID),
		Type: models.KeyTypeFIDOCredential,
		Meta: meta,
	})
	if err != nil {
		return err
	}
	logger.AuditEvent("webauthn_registered", "user", uid, "credential", credID)
	return nil
}
