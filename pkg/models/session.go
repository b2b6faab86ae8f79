package models

import "time"

// Session is the typed server-side state for one authenticated client,
// keyed by an opaque cookie token.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id,omitempty"`
	Challenge string    `json:"challenge,omitempty"`
	LastUVAt  time.Time `json:"last_uv_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// FreshUV reports whether the session's last user verification is
// within the given window.
func (s *Session) FreshUV(now time.Time, window time.Duration) bool {
	if s == nil || s.LastUVAt.IsZero() {
		return false
	}
	return now.Sub(s.LastUVAt) <= window
}
