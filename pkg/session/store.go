// Package session holds the typed per-client state keyed by an opaque
// cookie token, and the fresh-authentication gate used by privileged
// operations.
package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Coldaine/coldProxy/pkg/models"
)

// CookieName is the session cookie.
const CookieName = "coldproxy_session"

// defaultTTL bounds how long an idle session row is kept.
const defaultTTL = 24 * time.Hour

// Store is an in-memory session store. Sessions are lost on restart,
// which locks conservatively.
type Store struct {
	mu  sync.Mutex
	m   map[string]*models.Session
	ttl time.Duration
	now func() time.Time
}

// NewStore creates a session store. Non-positive ttl selects the
// default.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{m: make(map[string]*models.Session), ttl: ttl, now: time.Now}
}

// Get returns the session for token, or false if absent or expired.
func (s *Store) Get(token string) (*models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[token]
	if !ok {
		return nil, false
	}
	now := s.now()
	if now.Sub(sess.LastSeen) > s.ttl {
		delete(s.m, token)
		return nil, false
	}
	sess.LastSeen = now
	cp := *sess
	return &cp, true
}

// Put stores sess under its token.
func (s *Store) Put(sess *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.LastSeen = s.now()
	s.m[cp.Token] = &cp
}

// Delete removes a session row.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, token)
}

// FromRequest resolves the request's session, minting a fresh one when
// no valid cookie is present. The existing token is always reused.
func (s *Store) FromRequest(r *http.Request) *models.Session {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		if sess, ok := s.Get(c.Value); ok {
			return sess
		}
		// Cookie present but unknown: rebind the same token so the
		// client keeps its id.
		sess := &models.Session{Token: c.Value}
		s.Put(sess)
		return sess
	}
	sess := &models.Session{Token: uuid.NewString()}
	s.Put(sess)
	return sess
}

// Save persists sess and refreshes the cookie on the response.
func (s *Store) Save(w http.ResponseWriter, sess *models.Session) {
	s.Put(sess)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
