// Package restapi implements the REST Surface (§4.9, §6): auth
// bootstrap, driver reads/writes, ride endpoints, admin writes, and
// passenger wallet operations, grounded on the teacher's per-service
// http.ServeMux handlers but consolidated into the single-process
// core.
package restapi

import (
	"context"
	"net/http"

	"ridehail/internal/shared/jwt"
	"ridehail/internal/shared/util"
)

type contextKey string

const principalKey contextKey = "principal"

type principal struct {
	subject jwt.Subject
	id      string
}

// authMiddleware validates the bearer token and binds the caller's
// subject/id to the request context; handlers never trust a
// client-supplied id over this (§9).
func (h *Handler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			util.WriteJSONError(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		claims, err := h.issuer.Parse(token)
		if err != nil {
			util.WriteJSONError(w, "invalid or expired session token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal{subject: claims.Subject, id: claims.ID})
		next(w, r.WithContext(ctx))
	}
}

// requireSubject additionally rejects a valid token minted for the
// wrong principal kind (e.g. a passenger token on a driver-only route).
func (h *Handler) requireSubject(subject jwt.Subject, next http.HandlerFunc) http.HandlerFunc {
	return h.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		p, _ := r.Context().Value(principalKey).(principal)
		if p.subject != subject {
			util.WriteJSONError(w, "wrong principal type for this endpoint", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

func principalFrom(r *http.Request) principal {
	p, _ := r.Context().Value(principalKey).(principal)
	return p
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return ""
}
