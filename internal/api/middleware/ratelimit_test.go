// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/x", nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_PerIP(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestLimit: 2, WindowSize: time.Minute})(okHandler())

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "192.168.1.1:12345").Code, "IP1 request %d", i+1)
	}
	assert.Equal(t, http.StatusOK, hit(h, "192.168.1.2:12345").Code, "other IPs keep their own budget")

	w := hit(h, "192.168.1.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestAPIRateLimit_Configuration(t *testing.T) {
	h := APIRateLimit(60, nil)(okHandler())
	for i := 0; i < 60; i++ {
		if code := hit(h, "10.1.1.1:1").Code; code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, code)
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.1.1.1:1").Code)
}

func TestRateLimit_Whitelist(t *testing.T) {
	h := APIRateLimit(1, []string{"127.0.0.1"})(okHandler())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "127.0.0.1:5000").Code, "whitelisted request %d", i+1)
	}
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:12345").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:12345").Code)
}

func TestRateLimit_WhitelistPrefix(t *testing.T) {
	h := APIRateLimit(1, []string{"10.20.0.0/16", "not-an-ip"})(okHandler())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "10.20.3.4:80").Code, "in-prefix request %d", i+1)
	}
	assert.Equal(t, http.StatusOK, hit(h, "10.21.0.1:80").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.21.0.1:80").Code)
}
