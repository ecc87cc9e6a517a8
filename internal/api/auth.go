package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openpeerpower/opp-core/internal/auth"
)

// Grant types accepted by POST /auth/token.
const (
	grantPassword     = "password"
	grantRefreshToken = "refresh_token"
)

// maxLongLivedDays caps the lifespan of a long-lived access token.
const maxLongLivedDays = 3650

// longLivedRequest is the body of POST /auth/long_lived_access_token.
type longLivedRequest struct {
	ClientName   string `json:"client_name"`
	LifespanDays int    `json:"lifespan"`
}

// handleToken implements the token endpoint. Form fields:
//
//	grant_type=password       username, password, client_id
//	grant_type=refresh_token  refresh_token
//	action=revoke             token
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeBadRequest(w, "invalid form body")
		return
	}

	if r.PostForm.Get("action") == "revoke" {
		// Unknown tokens are answered with 200 as well.
		if err := s.auth.Logout(r.Context(), r.PostForm.Get("token")); err != nil {
			s.logger.Debug("token revocation failed", "error", err)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	remote := clientAddr(r)
	if s.limiter != nil && s.limiter.Blocked(remote) {
		writeError(w, http.StatusTooManyRequests, ErrCodeTooManyAttempts, "too many failed login attempts")
		return
	}

	var (
		pair *auth.TokenPair
		err  error
	)
	switch r.PostForm.Get("grant_type") {
	case grantPassword:
		pair, err = s.auth.Login(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"), r.PostForm.Get("client_id"))
	case grantRefreshToken:
		pair, err = s.auth.Refresh(r.Context(), r.PostForm.Get("refresh_token"))
	default:
		writeBadRequest(w, "unsupported_grant_type")
		return
	}

	if err != nil {
		if isCredentialError(err) {
			s.recordAuthFailure(remote, "http", err)
			writeUnauthorized(w, "invalid credentials")
			return
		}
		s.logger.Error("token request failed", "error", err)
		writeInternalError(w, "failed to issue token")
		return
	}

	if s.limiter != nil {
		s.limiter.Reset(remote)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pair)
}

// handleLongLivedToken mints a long-lived access token for the caller.
func (s *Server) handleLongLivedToken(w http.ResponseWriter, r *http.Request) {
	var req longLivedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ClientName == "" {
		writeBadRequest(w, "client_name is required")
		return
	}
	if req.LifespanDays <= 0 || req.LifespanDays > maxLongLivedDays {
		writeBadRequest(w, "lifespan must be between 1 and 3650 days")
		return
	}

	user := userFromContext(r.Context())
	token, err := s.auth.CreateLongLivedToken(r.Context(), user.ID, req.ClientName,
		time.Duration(req.LifespanDays)*24*time.Hour)
	if err != nil {
		s.logger.Error("failed to create long-lived token", "user_id", user.ID, "error", err)
		writeInternalError(w, "failed to create token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

// isCredentialError reports whether err means the caller presented bad
// credentials rather than the server failing.
func isCredentialError(err error) bool {
	return errors.Is(err, auth.ErrInvalidCredentials) ||
		errors.Is(err, auth.ErrUserInactive) ||
		errors.Is(err, auth.ErrUserNotFound) ||
		errors.Is(err, auth.ErrTokenInvalid) ||
		errors.Is(err, auth.ErrTokenExpired) ||
		errors.Is(err, auth.ErrTokenRevoked) ||
		errors.Is(err, auth.ErrLegacyDisabled)
}
