package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mylucky.org/internal/audit"
	"mylucky.org/internal/auth"
)

type tokenRequest struct {
	Address string `json:"address"`
	Key     string `json:"key"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.credentials == nil || a.credentials.Len() == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "no depositors configured")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	addr := strings.TrimSpace(req.Address)
	if !common.IsHexAddress(addr) {
		writeError(w, r, http.StatusBadRequest, "address must be a hex address")
		return
	}
	if req.Key == "" {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	depositor := common.HexToAddress(addr)

	if err := a.credentials.Authenticate(depositor, req.Key); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.Log(r.Context(), "auth.token.denied", map[string]any{
				"depositor": depositor.Hex(),
			})
			unauthorized(w, r, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "authentication error")
		return
	}

	token, expiresAt, err := auth.GenerateToken(depositor, []string{auth.RoleDepositor}, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.Log(r.Context(), "auth.token.issued", map[string]any{
		"depositor":  depositor.Hex(),
		"roles":      []string{auth.RoleDepositor},
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
