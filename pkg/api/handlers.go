package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Coldaine/coldProxy/pkg/logger"
	"github.com/Coldaine/coldProxy/pkg/models"
	"github.com/Coldaine/coldProxy/pkg/session"
	"github.com/Coldaine/coldProxy/pkg/setup"
	"github.com/Coldaine/coldProxy/pkg/unlock"
	"github.com/Coldaine/coldProxy/pkg/utils"
	"github.com/Coldaine/coldProxy/pkg/vault"
)

// maxBodyBytes bounds credential and assertion payloads.
const maxBodyBytes = 1 << 20

func (h *handlers) unlockPIN(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		PIN    string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.PIN == "" {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	ok, err := h.d.Unlock.UnlockWithPIN(r.Context(), req.UserID, req.PIN)
	if err != nil {
		if errors.Is(err, unlock.ErrAccountLocked) {
			utils.JSONError(w, http.StatusForbidden, CodeAccountLocked)
			return
		}
		logger.Error("unlock_pin_error", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	if ok {
		sess := h.d.Sessions.FromRequest(r)
		sess.UserID = req.UserID
		h.d.Sessions.Save(w, sess)
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": ok})
}

func (h *handlers) webauthnChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	opts, challenge, err := h.d.Unlock.BeginWebAuthn(req.UserID)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidWebAuthn)
		return
	}
	sess := h.d.Sessions.FromRequest(r)
	sess.Challenge = challenge
	h.d.Sessions.Save(w, sess)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"options": opts})
}

func (h *handlers) webauthnFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID            string          `json:"userId"`
		AssertionResponse json.RawMessage `json:"assertionResponse"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || len(req.AssertionResponse) == 0 {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	sess := h.d.Sessions.FromRequest(r)
	if sess.Challenge == "" {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidWebAuthn)
		return
	}
	ok, err := h.d.Unlock.FinishWebAuthn(r.Context(), req.UserID, req.AssertionResponse, sess.Challenge)
	if err != nil {
		logger.Error("unlock_webauthn_error", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	sess.Challenge = ""
	if ok {
		sess.UserID = req.UserID
		sess.LastUVAt = time.Now()
	}
	h.d.Sessions.Save(w, sess)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": ok})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	sess := h.d.Sessions.FromRequest(r)
	if sess.UserID != "" {
		h.d.Unlock.Logout(sess.UserID)
	}
	h.d.Sessions.Delete(sess.Token)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handlers) setupPIN(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		PIN    string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.PIN == "" {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	if err := h.d.Setup.SetPin(r.Context(), req.UserID, req.PIN); err != nil {
		if errors.Is(err, setup.ErrAlreadyProvisioned) {
			utils.JSONError(w, http.StatusConflict, CodeInvalidRequest)
			return
		}
		logger.Error("setup_pin_error", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handlers) webauthnRegisterBegin(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	opts, challenge, err := h.d.Setup.BeginWebAuthnRegistration(sess.UserID)
	if err != nil {
		if errors.Is(err, setup.ErrLocked) {
			utils.JSONError(w, http.StatusUnauthorized, CodeUnauthorized)
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	sess.Challenge = challenge
	h.d.Sessions.Save(w, sess)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"options": opts})
}

func (h *handlers) webauthnRegisterFinish(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || sess.Challenge == "" {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	if err := h.d.Setup.FinishWebAuthnRegistration(sess.UserID, body, sess.Challenge); err != nil {
		if errors.Is(err, setup.ErrLocked) {
			utils.JSONError(w, http.StatusUnauthorized, CodeUnauthorized)
			return
		}
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidWebAuthn)
		return
	}
	sess.Challenge = ""
	h.d.Sessions.Save(w, sess)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handlers) recoveryCode(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	code, err := h.d.Setup.GenerateRecoveryCode(sess.UserID)
	if err != nil {
		if errors.Is(err, setup.ErrLocked) {
			utils.JSONError(w, http.StatusUnauthorized, CodeUnauthorized)
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"recoveryCode": code})
}

func (h *handlers) recover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.Code == "" {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	if err := h.d.Setup.RecoverMasterKey(req.UserID, req.Code); err != nil {
		if errors.Is(err, setup.ErrInvalidRecoveryCode) {
			_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": false})
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	sess := h.d.Sessions.FromRequest(r)
	sess.UserID = req.UserID
	h.d.Sessions.Save(w, sess)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handlers) killSwitch(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireFresh(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	h.d.KillSwitch.Store(req.Enabled)
	logger.AuditEvent("kill_switch_set", "user", sess.UserID, "enabled", req.Enabled)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (h *handlers) export(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireFresh(w, r)
	if !ok {
		return
	}
	headers, err := h.d.Store.ListUserInteractions(sess.UserID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	type exported struct {
		ID        string `json:"id"`
		CreatedAt string `json:"created_at"`
		Model     string `json:"model,omitempty"`
		Body      string `json:"body"`
	}
	out := make([]exported, 0, len(headers))
	for _, hd := range headers {
		body, err := h.d.Vault.ReadInteraction(r.Context(), hd.ID, sess.UserID)
		if err != nil {
			if errors.Is(err, vault.ErrLocked) {
				utils.JSONError(w, http.StatusUnauthorized, CodeUnauthorized)
				return
			}
			logger.Warn("export_read_failed", "id", hd.ID, "error", err)
			continue
		}
		out = append(out, exported{
			ID:        hd.ID,
			CreatedAt: hd.CreatedAt.Format(time.RFC3339),
			Model:     hd.Model,
			Body:      string(body),
		})
	}
	logger.AuditEvent("export", "user", sess.UserID, "interactions", len(out))
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"interactions": out})
}

func (h *handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireFresh(w, r)
	if !ok {
		return
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil || req.PIN == "" {
		utils.JSONError(w, http.StatusBadRequest, CodeInvalidRequest)
		return
	}
	if err := h.d.Setup.RotateMasterKey(sess.UserID, req.PIN); err != nil {
		switch {
		case errors.Is(err, setup.ErrLocked):
			utils.JSONError(w, http.StatusUnauthorized, CodeUnauthorized)
		case errors.Is(err, setup.ErrInvalidPIN):
			utils.JSONError(w, http.StatusForbidden, CodeInvalidPIN)
		default:
			logger.Error("rotate_key_error", "error", err)
			utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		}
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handlers) decryptByID(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	body, err := h.d.Vault.ReadInteraction(r.Context(), id, sess.UserID)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrLocked):
			utils.JSONError(w, http.StatusUnauthorized, CodeUnauthorized)
		case errors.Is(err, vault.ErrNotFound):
			utils.JSONError(w, http.StatusNotFound, CodeNotFound)
		case errors.Is(err, vault.ErrTampered):
			logger.Error("decrypt_tampered", "id", id)
			utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		default:
			utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		}
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// deleteUser removes every interaction and key record of the session's
// user, evicts the cached master key and drops the session.
func (h *handlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireFresh(w, r)
	if !ok {
		return
	}
	headers, err := h.d.Store.ListUserInteractions(sess.UserID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	for _, hd := range headers {
		if err := h.d.Store.DeleteInteraction(hd.ID); err != nil {
			logger.Warn("user_delete_interaction_failed", "id", hd.ID, "error", err)
		}
	}
	if err := h.d.Store.DeleteUserKeys(sess.UserID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, CodeInternal)
		return
	}
	h.d.Unlock.Logout(sess.UserID)
	h.d.Sessions.Delete(sess.Token)
	logger.AuditEvent("user_deleted", "user", sess.UserID, "interactions", len(headers))
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"success": true})
}

// requireUser admits only sessions bound to a user.
func (h *handlers) requireUser(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	s := h.d.Sessions.FromRequest(r)
	if s.UserID == "" {
		utils.JSONError(w, http.StatusUnauthorized, CodeUnauthorized)
		return nil, false
	}
	return s, true
}

// requireFresh additionally demands a recent user verification.
func (h *handlers) requireFresh(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	s, ok := h.requireUser(w, r)
	if !ok {
		return nil, false
	}
	if err := session.RequireFreshWebAuthn(s, time.Now()); err != nil {
		utils.JSONError(w, http.StatusForbidden, CodeForbidden)
		return nil, false
	}
	return s, true
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}
