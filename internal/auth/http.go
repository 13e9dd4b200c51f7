package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// RegisterRoutes wires the auth HTTP surface onto an existing gorilla/mux
// router: challenge start/verify, refresh, session lookup, and session
// revocation. Matches the teacher's internal/api convention of a single
// RegisterRoutes(router) entry point per subsystem.
func RegisterRoutes(router *mux.Router, svc *AuthService) {
	router.HandleFunc("/auth/challenge", handleStartChallenge(svc)).Methods(http.MethodPost)
	router.HandleFunc("/auth/verify", handleVerifyChallenge(svc)).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", handleRefresh(svc)).Methods(http.MethodPost)
	router.HandleFunc("/auth/session", handleSession(svc)).Methods(http.MethodGet)
	router.HandleFunc("/auth/logout", handleLogout(svc)).Methods(http.MethodPost)
}

type startChallengeRequest struct {
	Email string `json:"email"`
}

func handleStartChallenge(svc *AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startChallengeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := svc.StartChallenge(r.Context(), req.Email)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"challenge_id": result.ChallengeID,
			"email":        result.Email,
			"expires_at":   result.ExpiresAt,
		})
	}
}

type verifyChallengeRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
	ClientName  string `json:"client_name"`
	DeviceID    string `json:"device_id"`
}

func handleVerifyChallenge(svc *AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyChallengeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := svc.VerifyChallenge(r.Context(), req.ChallengeID, req.Code, req.ClientName, req.DeviceID, r.RemoteAddr, r.UserAgent())
		if err != nil {
			writeAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"token_type":    result.TokenType,
			"access_token":  result.AccessToken,
			"refresh_token": result.RefreshToken,
			"new_user":      result.NewUser,
			"session_id":    result.Session.SessionID,
		})
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

func handleRefresh(svc *AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := svc.RefreshSession(r.Context(), req.RefreshToken, req.DeviceID, true)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"token_type":    result.TokenType,
			"access_token":  result.AccessToken,
			"refresh_token": result.RefreshToken,
		})
	}
}

func handleSession(svc *AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated.")
			return
		}

		bundle, err := svc.SessionFromAccessToken(r.Context(), token)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session":     bundle.Session,
			"user":        bundle.User,
			"memberships": bundle.Memberships,
		})
	}
}

func handleLogout(svc *AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated.")
			return
		}

		result, err := svc.RevokeSessionByAccessToken(r.Context(), token)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": result.SessionID,
			"revoked_at": result.RevokedAt,
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *ValidationError:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": e.Message, "field": e.Field})
	case *UnauthorizedError:
		writeError(w, http.StatusUnauthorized, e.Message)
	case *ForbiddenError:
		writeError(w, http.StatusForbidden, e.Message)
	case *ConflictError:
		writeError(w, http.StatusConflict, e.Message)
	case *ProviderError:
		writeError(w, http.StatusBadGateway, e.Message)
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
