package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/better-wallet/permit-signer/internal/app"
	"github.com/better-wallet/permit-signer/internal/logger"
	"github.com/better-wallet/permit-signer/internal/permit"
	"github.com/better-wallet/permit-signer/internal/storage"
	"github.com/better-wallet/permit-signer/internal/validation"
	apperrors "github.com/better-wallet/permit-signer/pkg/errors"
)

// Amount is a human-readable token amount sent as a JSON string or number.
// Strings are preferred; most JSON producers round large numbers.
type Amount string

// UnmarshalJSON keeps the literal digits of numbers instead of going through float64.
func (a *Amount) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount must be a string or a number")
	}
	*a = Amount(n.String())
	return nil
}

// CreatePermitRequest is the body of POST /v1/permits.
type CreatePermitRequest struct {
	WalletAddress string `json:"wallet_address"`
	IssueID       string `json:"issue_id"`
	NetworkID     int64  `json:"network_id"`
	EncryptedKey  string `json:"encrypted_key"`
	UserID        int64  `json:"user_id"`
	TokenAddress  string `json:"token_address"`
	Amount        Amount `json:"amount"`
}

// PermitResponse is a signed permit ready to be submitted to Permit2
type PermitResponse struct {
	NetworkID int64                      `json:"network_id"`
	Signer    string                     `json:"signer"`
	Permit    *permit.PermitTransferFrom `json:"permit"`
	TypedData *permit.TypedData          `json:"typed_data"`
	Digest    string                     `json:"digest"`
	Signature string                     `json:"signature"`
	Nonce     string                     `json:"nonce"`
	Deadline  string                     `json:"deadline"`
}

// PermitRecordResponse is an audit log entry
type PermitRecordResponse struct {
	ID           string    `json:"id"`
	NetworkID    int64     `json:"network_id"`
	Nonce        string    `json:"nonce"`
	IssueID      string    `json:"issue_id"`
	UserID       int64     `json:"user_id"`
	TokenAddress string    `json:"token_address"`
	Amount       string    `json:"amount"`
	Spender      string    `json:"spender"`
	Signer       string    `json:"signer"`
	IssueCount   int       `json:"issue_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// handleCreatePermit builds and signs a permit
func (s *Server) handleCreatePermit(w http.ResponseWriter, r *http.Request) {
	var req CreatePermitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, apperrors.NewWithDetail(
				apperrors.ErrCodeBadRequest,
				"Request body too large",
				"",
				http.StatusRequestEntityTooLarge,
			))
			return
		}
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeBadRequest,
			"Invalid request body",
			err.Error(),
			http.StatusBadRequest,
		))
		return
	}

	if err := validation.ValidatePermitRequest(validation.PermitRequest{
		IssueID:      req.IssueID,
		NetworkID:    req.NetworkID,
		UserID:       req.UserID,
		TokenAddress: req.TokenAddress,
		Amount:       string(req.Amount),
	}); err != nil {
		var fieldErr *validation.FieldError
		if errors.As(err, &fieldErr) {
			s.writeError(w, apperrors.SchemaValidation(fieldErr.Field, fieldErr.Reason))
			return
		}
		s.writeError(w, apperrors.ErrBadRequest)
		return
	}

	bundle, err := s.permits.BuildPermitBundle(r.Context(), app.BuildPermitRequest{
		WalletAddress: req.WalletAddress,
		IssueID:       req.IssueID,
		NetworkID:     req.NetworkID,
		EncryptedKey:  req.EncryptedKey,
		UserID:        req.UserID,
		TokenAddress:  common.HexToAddress(req.TokenAddress),
		Amount:        string(req.Amount),
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	defer bundle.Close()

	signed, err := bundle.Sign(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, PermitResponse{
		NetworkID: bundle.NetworkID,
		Signer:    bundle.Signer.Address().Hex(),
		Permit:    bundle.Permit,
		TypedData: bundle.TypedData,
		Digest:    signed.Digest.Hex(),
		Signature: hexutil.Encode(signed.Signature),
		Nonce:     bundle.Permit.Nonce.String(),
		Deadline:  bundle.Permit.Deadline.String(),
	})
}

// handleGetPermit looks up an issued permit in the audit log
func (s *Server) handleGetPermit(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeNotFound,
			"Audit log is not enabled",
			"",
			http.StatusNotFound,
		))
		return
	}

	networkID, err := strconv.ParseInt(r.PathValue("network_id"), 10, 64)
	if err == nil {
		err = validation.ValidateNetworkID(networkID)
	}
	if err != nil {
		s.writeError(w, apperrors.SchemaValidation("network_id", "must be a positive integer"))
		return
	}

	nonce, err := validation.ValidateNonce(r.PathValue("nonce"))
	if err != nil {
		s.writeError(w, apperrors.SchemaValidation("nonce", err.Error()))
		return
	}

	rec, err := s.records.GetByNonce(r.Context(), networkID, nonce)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toPermitRecordResponse(rec))
}

// handleServerKey publishes the public key callers seal signing keys to
func (s *Server) handleServerKey(w http.ResponseWriter, r *http.Request) {
	pub, ok := s.serverKey.PublicKey()
	if !ok {
		s.writeError(w, apperrors.NewWithDetail(
			apperrors.ErrCodeKeyUnavailable,
			"Server key is not configured",
			"",
			http.StatusServiceUnavailable,
		))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"public_key": pub,
		"encoding":   "base64url",
		"algorithm":  "x25519-xsalsa20-poly1305",
	})
}

func toPermitRecordResponse(rec *storage.PermitRecord) PermitRecordResponse {
	return PermitRecordResponse{
		ID:           rec.ID.String(),
		NetworkID:    rec.NetworkID,
		Nonce:        rec.Nonce.String(),
		IssueID:      rec.IssueID,
		UserID:       rec.UserID,
		TokenAddress: rec.TokenAddress,
		Amount:       rec.Amount.String(),
		Spender:      rec.Spender,
		Signer:       rec.Signer,
		IssueCount:   rec.IssueCount,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// handleError writes AppErrors as they are and hides everything else
// behind internal_error.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if appErr, ok := apperrors.IsAppError(err); ok {
		if appErr.StatusCode >= http.StatusInternalServerError {
			logger.Error(r.Context(), "request failed", "error", err)
		}
		s.writeError(w, appErr)
		return
	}
	logger.Error(r.Context(), "request failed", "error", err)
	s.writeError(w, apperrors.ErrInternalError)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	s.count("ok")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	s.count(err.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(err)
}

func (s *Server) count(code string) {
	if s.counter != nil {
		s.counter.Request(code)
	}
}
