package middleware

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

// WriteError writes err as a JSON body with its status code.
func WriteError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(err)
}
