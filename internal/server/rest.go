package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/and161185/sealbase/internal/errs"
	"github.com/and161185/sealbase/internal/model"
	"github.com/and161185/sealbase/internal/service"
)

// maxBodySize bounds REST request bodies; seed backups are small.
const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errs.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, errs.ErrAlreadyExists):
		http.Error(w, "Username already exists", http.StatusConflict)
	case errors.Is(err, errs.ErrRateLimited):
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
	default:
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Bad request body", http.StatusBadRequest)
		return false
	}
	return true
}

type signUpRequest struct {
	AppID         string              `json:"appId"`
	Username      string              `json:"username"`
	PasswordToken []byte              `json:"passwordToken"`
	PublicKey     []byte              `json:"publicKey"`
	KeySalts      model.KeySalts      `json:"keySalts"`
	PasswordSalts model.PasswordSalts `json:"passwordSalts"`
	SeedBackup    []byte              `json:"passwordBasedBackup"`
	Email         string              `json:"email,omitempty"`
	Profile       map[string]string   `json:"profile,omitempty"`
	RememberMe    string              `json:"rememberMe,omitempty"`
}

type sessionResponse struct {
	UserID       string              `json:"userId"`
	SessionToken string              `json:"sessionToken"`
	KeySalts     model.KeySalts      `json:"keySalts"`
	SeedBackup   model.EncryptedBlob `json:"passwordBasedBackup,omitempty"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, token, err := s.auth.SignUp(r.Context(), req.AppID, service.SignUpParams{
		Username:      req.Username,
		PasswordToken: req.PasswordToken,
		PublicKey:     req.PublicKey,
		KeySalts:      req.KeySalts,
		PasswordSalts: req.PasswordSalts,
		SeedBackup:    req.SeedBackup,
		Email:         req.Email,
		Profile:       req.Profile,
		RememberMe:    model.RememberMe(req.RememberMe),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		UserID:       user.ID.String(),
		SessionToken: token,
		KeySalts:     user.KeySalts,
	})
}

type signInRequest struct {
	AppID         string `json:"appId"`
	Username      string `json:"username"`
	PasswordToken []byte `json:"passwordToken"`
	RememberMe    string `json:"rememberMe,omitempty"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, token, err := s.auth.SignIn(r.Context(), req.AppID, req.Username,
		req.PasswordToken, model.RememberMe(req.RememberMe), r.RemoteAddr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:       user.ID.String(),
		SessionToken: token,
		KeySalts:     user.KeySalts,
		SeedBackup:   user.SeedBackup,
	})
}

func (s *Server) handleSignInWithSession(w http.ResponseWriter, r *http.Request) {
	token := sessionCredential(r)
	if token == "" {
		http.Error(w, "Missing session credential", http.StatusUnauthorized)
		return
	}
	user, _, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:       user.ID.String(),
		SessionToken: token,
		KeySalts:     user.KeySalts,
		SeedBackup:   user.SeedBackup,
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token := sessionCredential(r)
	if token == "" {
		http.Error(w, "Missing session credential", http.StatusUnauthorized)
		return
	}
	_, sess, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.SignOut(r.Context(), sess.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePasswordSalts(w http.ResponseWriter, r *http.Request) {
	appID := r.Header.Get("App-Id")
	if appID == "" {
		appID = r.URL.Query().Get("appId")
	}
	username := r.URL.Query().Get("username")
	if appID == "" || username == "" {
		http.Error(w, "Missing appId or username", http.StatusBadRequest)
		return
	}
	salts, err := s.auth.PasswordSaltsFor(r.Context(), appID, username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, salts)
}
