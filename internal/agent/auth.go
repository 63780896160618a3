// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

// maxTimestampSkew bounds |now - X-Timestamp| to defeat replay of captured
// requests.
const maxTimestampSkew = 300 * time.Second

// signMessage computes the lowercase-hex HMAC-SHA256 over the canonical
// request string METHOD|PATH|BODY|TIMESTAMP.
func signMessage(secret, method, path, body, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + "|" + path + "|" + body + "|" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacMiddleware verifies the X-Signature/X-Timestamp pair on every request
// it wraps. The request body is buffered so handlers can still read it.
func (s *Server) hmacMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get("X-Signature")
		timestamp := r.Header.Get("X-Timestamp")
		if signature == "" || timestamp == "" {
			log.Printf("agent: missing signature or timestamp from %s", r.RemoteAddr)
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-Signature or X-Timestamp header"})
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid timestamp"})
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxTimestampSkew {
			log.Printf("agent: stale timestamp from %s: %s", r.RemoteAddr, skew)
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "request timestamp too old"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unreadable request body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		expected := signMessage(s.config.SharedSecret, r.Method, r.URL.Path, string(body), timestamp)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			log.Printf("agent: invalid signature from %s", r.RemoteAddr)
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
