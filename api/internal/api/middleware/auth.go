package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// AgentTokenHeader carries the platform-issued agent token.
const AgentTokenHeader = "X-Agent-Token"

type AuthMiddleware struct {
	Verifier domain.TokenVerifier
	Logger   *slog.Logger
}

func NewAuthMiddleware(verifier domain.TokenVerifier, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{Verifier: verifier, Logger: logger}
}

// RequireAgentToken rejects requests without a token (401), with a rejected token
// (403), and fails closed (500) when no verifier could decide.
func (m *AuthMiddleware) RequireAgentToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			m.Logger.Warn("Unauthorized request: missing token",
				slog.String("ip", r.RemoteAddr), slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "Missing X-Agent-Token header")
			return
		}

		ok, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			m.Logger.Error("Token verification error", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "Token verification failed")
			return
		}
		if !ok {
			m.Logger.Warn("Unauthorized request: invalid token",
				slog.String("ip", r.RemoteAddr), slog.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// 🛡️ The platform sends X-Agent-Token; CLI tools may use a bearer header instead.
func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(AgentTokenHeader)); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
