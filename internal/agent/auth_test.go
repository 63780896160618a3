// Copyright (c) 2026 WGPanel Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package agent

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabzou364/wgpanel/internal/agent/config"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(&config.Config{
		ListenAddr:   "127.0.0.1:0",
		SharedSecret: testSecret,
		ConfDir:      t.TempDir(),
		Version:      "test",
	})
	require.NoError(t, err)
	return s
}

// signedRequest builds a request carrying a valid signature for the given
// timestamp.
func signedRequest(method, path, body string, ts int64) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	timestamp := strconv.FormatInt(ts, 10)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signMessage(testSecret, method, path, body, timestamp))
	return req
}

func TestHMACMiddleware(t *testing.T) {
	s := newTestServer(t)

	// The middleware wraps a trivial handler so the tests observe only the
	// verification outcome.
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	protected := s.hmacMiddleware(okHandler)

	tests := []struct {
		name           string
		request        func() *http.Request
		expectedStatus int
	}{
		{
			name: "valid signature",
			request: func() *http.Request {
				return signedRequest(http.MethodGet, "/v1/status", "", time.Now().Unix())
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "valid signature with body",
			request: func() *http.Request {
				return signedRequest(http.MethodPost, "/v1/wg/wg0/peers", `{"public_key":"abc"}`, time.Now().Unix())
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "missing signature header",
			request: func() *http.Request {
				req := signedRequest(http.MethodGet, "/v1/status", "", time.Now().Unix())
				req.Header.Del("X-Signature")
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "missing timestamp header",
			request: func() *http.Request {
				req := signedRequest(http.MethodGet, "/v1/status", "", time.Now().Unix())
				req.Header.Del("X-Timestamp")
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "non-numeric timestamp",
			request: func() *http.Request {
				req := signedRequest(http.MethodGet, "/v1/status", "", time.Now().Unix())
				req.Header.Set("X-Timestamp", "not-a-number")
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "timestamp too old",
			request: func() *http.Request {
				return signedRequest(http.MethodGet, "/v1/status", "", time.Now().Add(-301*time.Second).Unix())
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "timestamp too far in the future",
			request: func() *http.Request {
				return signedRequest(http.MethodGet, "/v1/status", "", time.Now().Add(301*time.Second).Unix())
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "tampered body",
			request: func() *http.Request {
				req := signedRequest(http.MethodPost, "/v1/wg/wg0/peers", `{"public_key":"abc"}`, time.Now().Unix())
				req.Body = http.NoBody
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "signature for a different path",
			request: func() *http.Request {
				good := signedRequest(http.MethodGet, "/v1/wg/wg0/dump", "", time.Now().Unix())
				req := httptest.NewRequest(http.MethodGet, "/v1/wg/wg1/dump", nil)
				req.Header.Set("X-Timestamp", good.Header.Get("X-Timestamp"))
				req.Header.Set("X-Signature", good.Header.Get("X-Signature"))
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "signature for a different method",
			request: func() *http.Request {
				good := signedRequest(http.MethodGet, "/v1/wg/wg0/dump", "", time.Now().Unix())
				req := httptest.NewRequest(http.MethodDelete, "/v1/wg/wg0/dump", nil)
				req.Header.Set("X-Timestamp", good.Header.Get("X-Timestamp"))
				req.Header.Set("X-Signature", good.Header.Get("X-Signature"))
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			request: func() *http.Request {
				req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
				ts := strconv.FormatInt(time.Now().Unix(), 10)
				req.Header.Set("X-Timestamp", ts)
				req.Header.Set("X-Signature", signMessage("other-secret", http.MethodGet, "/v1/status", "", ts))
				return req
			},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, tt.request())
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

// Replaying a captured request after the timestamp window must be rejected
// even though the signature itself is valid.
func TestHMACReplayOutsideWindow(t *testing.T) {
	s := newTestServer(t)

	captured := signedRequest(http.MethodGet, "/v1/status", "", time.Now().Add(-301*time.Second).Unix())

	called := false
	protected := s.hmacMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	protected.ServeHTTP(rr, captured)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, called, "handler must not run for a replayed request")
}

func TestHealthBypassesAuth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestMetricsBypassesAuth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
