package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"mylucky.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth attaches the depositor named by a bearer token. Requests without
// an Authorization header pass through anonymously; handlers that need a
// caller check for one with requireDepositor.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || strings.TrimSpace(r.Header.Get(authHeader)) == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				unauthorized(w, r, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}
		depositor, err := claims.Depositor()
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), depositor, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireDepositor writes 401/403 and returns false unless the request carries
// a token with the depositor role.
func requireDepositor(w http.ResponseWriter, r *http.Request) bool {
	if _, ok := auth.UserFromContext(r.Context()); !ok {
		unauthorized(w, r, "missing bearer token")
		return false
	}
	if !auth.HasRole(r.Context(), auth.RoleDepositor) {
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		writeError(w, r, http.StatusForbidden, "depositor role required")
		return false
	}
	return true
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mylucky"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
