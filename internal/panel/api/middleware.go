// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gabzou364/wgpanel/internal/panel/auth"
)

// Context keys for request-scoped values
type contextKey string

const contextKeyActor contextKey = "actor"

// authMiddleware validates the bearer API key and records the key name as
// the acting identity for audit entries.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, KindAuthFailed, "missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondError(w, http.StatusUnauthorized, KindAuthFailed, "invalid Authorization header format, expected: Bearer <token>")
			return
		}
		token := parts[1]

		if !auth.IsValidKeyFormat(token) {
			respondError(w, http.StatusUnauthorized, KindAuthFailed, "invalid API key format")
			return
		}

		apiKey, err := s.authStore.GetAPIKeyByPrefix(r.Context(), auth.ExtractPrefix(token))
		if err != nil {
			respondError(w, http.StatusUnauthorized, KindAuthFailed, "invalid API key")
			return
		}
		if !auth.ValidateAPIKey(token, apiKey.KeyHash) {
			respondError(w, http.StatusUnauthorized, KindAuthFailed, "invalid API key")
			return
		}

		go s.authStore.UpdateLastUsed(context.Background(), apiKey.ID)

		ctx := context.WithValue(r.Context(), contextKeyActor, apiKey.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the acting identity recorded by the auth middleware.
func actorFrom(r *http.Request) string {
	if actor, ok := r.Context().Value(contextKeyActor).(string); ok && actor != "" {
		return actor
	}
	return "system"
}
