package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/better-wallet/permit-signer/internal/logger"
	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

// APIKeyHeader carries the caller's shared API key.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth checks callers against a bcrypt hash of the shared API key.
type APIKeyAuth struct {
	hash []byte
}

// NewAPIKeyAuth creates the middleware. An empty hash disables authentication.
func NewAPIKeyAuth(bcryptHash string) *APIKeyAuth {
	return &APIKeyAuth{hash: []byte(bcryptHash)}
}

// Enabled reports whether requests are checked
func (a *APIKeyAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Authenticate requires X-API-Key (or "Authorization: Bearer <key>") to match
// the configured hash. The credential headers are removed before next runs.
func (a *APIKeyAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := apiKeyFromRequest(r)
		if key == "" {
			WriteError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Missing API key",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
			logger.Warn(r.Context(), "api key rejected", "remote_ip", getIP(r))
			WriteError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeUnauthorized,
				"Invalid API key",
				"",
				http.StatusUnauthorized,
			))
			return
		}

		StripCredentialHeaders(r.Header)
		next.ServeHTTP(w, r)
	})
}

func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
