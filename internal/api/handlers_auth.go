// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sectify/sectify/internal/auth"
	"github.com/sectify/sectify/internal/log"
	"github.com/sectify/sectify/internal/store"
)

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeInvalid(w, r, "malformed JSON body")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	switch {
	case req.Name == "":
		writeInvalid(w, r, "name is required")
		return
	case !strings.Contains(req.Email, "@"):
		writeInvalid(w, r, "a valid email is required")
		return
	case len(req.Password) < 8:
		writeInvalid(w, r, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeInternal(w, r)
		return
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeConflict(w, r, "email already registered")
			return
		}
		writeInternal(w, r)
		return
	}

	lg := log.WithComponentFromContext(r.Context(), "api")

	lg.Info().
		Str(log.FieldUserID, user.ID).
		Str(log.FieldEvent, "user.created").
		Msg("user signed up")
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": user.ID})
}

func writeInvalidCredentials(w http.ResponseWriter, r *http.Request) {
	loginFailures.Inc()
	deniedRequests.WithLabelValues("bad_credentials").Inc()
	writeProblem(w, r, http.StatusUnauthorized, "auth/invalid_credentials", "Invalid Credentials", "")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeInvalid(w, r, "malformed form body")
		return
	}
	username := strings.ToLower(strings.TrimSpace(r.PostFormValue("username")))
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeInvalid(w, r, "username and password are required")
		return
	}

	user, err := s.store.UserByEmail(r.Context(), username)
	if err != nil {
		// Burn comparable time for unknown accounts so the response does
		// not reveal which emails exist.
		_, _ = auth.VerifyPassword(password, auth.DummyHash)
		writeInvalidCredentials(w, r)
		return
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		writeInvalidCredentials(w, r)
		return
	}

	ip := clientIP(r)

	if len(user.MFASecret) > 0 {
		mfaToken, err := s.tokens.IssueMFA(user.ID, ip)
		if err != nil {
			writeInternal(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"mfa_required": true,
			"mfa_token":    mfaToken,
		})
		return
	}

	s.issueAccess(w, r, user, ip)
}

type verify2FARequest struct {
	Code string `json:"code"`
}

func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeAuthRequired(w, r)
		return
	}
	ip := clientIP(r)

	claims, err := s.tokens.Verify(token, auth.PurposeMFA, ip)
	if err != nil {
		writeInvalidCredentials(w, r)
		return
	}

	var req verify2FARequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeInvalid(w, r, "malformed JSON body")
		return
	}

	user, err := s.store.UserByID(r.Context(), claims.Subject)
	if err != nil || len(user.MFASecret) == 0 {
		writeInvalidCredentials(w, r)
		return
	}

	secret, err := s.sealer.Open(user.MFASecret)
	if err != nil {
		writeInternal(w, r)
		return
	}
	if !auth.VerifyTOTP(secret, strings.TrimSpace(req.Code), time.Now()) {
		writeInvalidCredentials(w, r)
		return
	}

	s.issueAccess(w, r, user, ip)
}

func (s *Server) issueAccess(w http.ResponseWriter, r *http.Request, user *store.User, ip string) {
	sessionID, err := auth.NewLoginSessionID()
	if err != nil {
		writeInternal(w, r)
		return
	}
	accessToken, err := s.tokens.IssueAccess(user.ID, sessionID, ip)
	if err != nil {
		writeInternal(w, r)
		return
	}
	s.auth.RegisterLogin(sessionID, user.ID, s.tokens.AccessTTL())

	lg := log.WithComponentFromContext(r.Context(), "api")

	lg.Info().
		Str(log.FieldUserID, user.ID).
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldEvent, "user.login").
		Msg("access token issued")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(s.tokens.AccessTTL().Seconds()),
	})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user := principal(r)
	revoked := s.auth.RevokeUserSessions(user.ID)
	writeJSON(w, http.StatusOK, map[string]int{"revoked_sessions": revoked})
}
