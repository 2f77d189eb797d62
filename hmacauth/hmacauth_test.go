package hmacauth_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/hmacauth"
	"github.com/tunnelrelay/rendezvous/noncecache"
)

const testSecret = "test-secret-at-least-32-chars-long-12345"

func sign(method, path string, ts, nonce int64, body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(method + path + strconv.FormatInt(ts, 10) + strconv.FormatInt(nonce, 10) + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func newAuthenticator() *hmacauth.Authenticator {
	cache := noncecache.New(zerolog.Nop(), 2*time.Hour, "")
	return hmacauth.New(zerolog.Nop(), testSecret, 60*time.Second, time.Hour, 2*time.Hour, cache, true)
}

func doRequest(t *testing.T, a *hmacauth.Authenticator, method, path, body string, ts, nonce int64, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "HMAC sha256="+sig)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", strconv.FormatInt(nonce, 10))

	rec := httptest.NewRecorder()
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(rec, req)
	return rec
}

func TestValidSignatureAccepted(t *testing.T) {
	a := newAuthenticator()
	now := time.Now().Unix()
	sig := sign(http.MethodGet, "/hmac-valid", now, now*1000, "")

	rec := doRequest(t, a, http.MethodGet, "/hmac-valid", "", now, now*1000, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestReplayedNonceRejected(t *testing.T) {
	a := newAuthenticator()
	now := time.Now().Unix()
	sig := sign(http.MethodGet, "/hmac-valid", now, now*1000, "")

	first := doRequest(t, a, http.MethodGet, "/hmac-valid", "", now, now*1000, sig)
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}

	second := doRequest(t, a, http.MethodGet, "/hmac-valid", "", now, now*1000, sig)
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("second request status = %d, want 401", second.Code)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	a := newAuthenticator()
	now := time.Now().Unix()

	rec := doRequest(t, a, http.MethodGet, "/hmac-valid", "", now, now*1000, "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	a := newAuthenticator()
	old := time.Now().Add(-time.Hour).Unix()
	sig := sign(http.MethodGet, "/hmac-valid", old, old*1000, "")

	rec := doRequest(t, a, http.MethodGet, "/hmac-valid", "", old, old*1000, sig)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
