package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/scry-batch/internal/api/shared"
	"github.com/phrazzld/scry-batch/internal/service/auth"
)

// CredentialVerifier checks API client credentials.
type CredentialVerifier interface {
	Verify(clientID, key string) error
}

// AuthHandler issues bearer tokens to API clients.
type AuthHandler struct {
	jwtService auth.JWTService
	verifier   CredentialVerifier
	logger     *slog.Logger
}

// NewAuthHandler creates a new AuthHandler with the given dependencies.
func NewAuthHandler(jwtService auth.JWTService, verifier CredentialVerifier, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		jwtService: jwtService,
		verifier:   verifier,
		logger:     logger.With("component", "auth_handler"),
	}
}

// Token handles POST /api/auth/token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	if err := h.verifier.Verify(req.ClientID, req.APIKey); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.WarnContext(r.Context(), "rejected client credentials", "client_id", req.ClientID)
		}
		HandleAPIError(w, r, err, "")
		return
	}

	token, expiresAt, err := h.jwtService.GenerateToken(r.Context(), req.ClientID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to generate authentication token", err)
		return
	}

	h.logger.InfoContext(r.Context(), "issued token", "client_id", req.ClientID)
	shared.RespondWithJSON(w, r, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	})
}
