package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/v0ropaev/image-processing-service/internal/auth"
	"github.com/v0ropaev/image-processing-service/internal/entities"
	"github.com/v0ropaev/image-processing-service/internal/repository/storage"
)

type ctxKey int

const userKey ctxKey = iota

// Authenticate resolves the bearer token into a user and stores it on the
// request context. Requests failing here never reach the pipeline.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		email, err := h.tokens.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				writeJSONError(w, "token has expired", http.StatusUnauthorized)
			} else {
				writeJSONError(w, "invalid token", http.StatusUnauthorized)
			}
			return
		}

		user, err := h.users.UserByEmail(r.Context(), email)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeJSONError(w, "user not found", http.StatusUnauthorized)
			} else {
				writeJSONError(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func userFrom(r *http.Request) entities.User {
	user, _ := r.Context().Value(userKey).(entities.User)
	return user
}
