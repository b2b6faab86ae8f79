package session

import (
	"errors"
	"time"

	"github.com/Coldaine/coldProxy/pkg/models"
)

// FreshUVWindow is how recently a user verification must have happened
// for privileged operations (export, rotation, kill switch, bulk
// decryption).
const FreshUVWindow = 5 * time.Minute

// ErrStaleAuth is returned when the session's last user verification
// is missing or too old.
var ErrStaleAuth = errors.New("session: fresh webauthn verification required")

// RequireFreshWebAuthn admits only sessions whose last user
// verification is within FreshUVWindow.
func RequireFreshWebAuthn(sess *models.Session, now time.Time) error {
	if sess == nil || !sess.FreshUV(now, FreshUVWindow) {
		return ErrStaleAuth
	}
	return nil
}
