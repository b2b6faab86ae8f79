// Package api wires the storage core to its HTTP surface.
package api

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"

	"github.com/Coldaine/coldProxy/pkg/auth"
	"github.com/Coldaine/coldProxy/pkg/session"
	"github.com/Coldaine/coldProxy/pkg/setup"
	"github.com/Coldaine/coldProxy/pkg/store"
	"github.com/Coldaine/coldProxy/pkg/telemetry"
	"github.com/Coldaine/coldProxy/pkg/unlock"
	"github.com/Coldaine/coldProxy/pkg/utils"
	"github.com/Coldaine/coldProxy/pkg/vault"
)

// Deps carries the explicitly-instantiated core components. No
// package-level state.
type Deps struct {
	Sessions      *session.Store
	Unlock        *unlock.Service
	Setup         *setup.Service
	Vault         *vault.Encryptor
	Store         *store.Store
	Metrics       *telemetry.Metrics
	UnlockLimiter *auth.LimiterPool
	ExportLimiter *auth.LimiterPool
	// KillSwitch makes every unlock/decrypt route answer with a
	// generic service_unavailable.
	KillSwitch *atomic.Bool
}

type handlers struct{ d *Deps }

// Router builds the HTTP routes over the core.
func Router(d *Deps) *mux.Router {
	h := &handlers{d: d}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	}

	unlockLimited := func(fn http.HandlerFunc) http.Handler {
		return auth.RateLimit(d.UnlockLimiter, d.Metrics, h.gated(fn))
	}
	r.Handle("/unlock/pin", unlockLimited(h.unlockPIN)).Methods(http.MethodPost)
	r.Handle("/unlock/webauthn/challenge", unlockLimited(h.webauthnChallenge)).Methods(http.MethodPost)
	r.Handle("/unlock/webauthn/finish", unlockLimited(h.webauthnFinish)).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.logout).Methods(http.MethodPost)

	r.HandleFunc("/setup/pin", h.setupPIN).Methods(http.MethodPost)
	r.HandleFunc("/setup/webauthn/begin", h.webauthnRegisterBegin).Methods(http.MethodPost)
	r.HandleFunc("/setup/webauthn/finish", h.webauthnRegisterFinish).Methods(http.MethodPost)
	r.HandleFunc("/setup/recovery-code", h.recoveryCode).Methods(http.MethodPost)
	r.Handle("/recover", unlockLimited(h.recover)).Methods(http.MethodPost)

	r.HandleFunc("/api/admin/kill-switch", h.killSwitch).Methods(http.MethodPost)
	r.Handle("/export", auth.RateLimit(d.ExportLimiter, d.Metrics, h.gated(h.export))).Methods(http.MethodGet)
	r.HandleFunc("/rotate-key", h.rotateKey).Methods(http.MethodPost)
	r.Handle("/decrypt/{id}", h.gated(h.decryptByID)).Methods(http.MethodGet)
	r.HandleFunc("/user", h.deleteUser).Methods(http.MethodDelete)

	return r
}

// gated hides kill-switched routes behind a generic unavailability
// answer that does not hint at the switch.
func (h *handlers) gated(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.d.KillSwitch != nil && h.d.KillSwitch.Load() {
			utils.JSONError(w, http.StatusServiceUnavailable, CodeServiceUnavailable)
			return
		}
		fn(w, r)
	})
}
