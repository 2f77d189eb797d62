// Package hmacauth implements the HMAC-SHA256 request authentication
// middleware applied to the admin plane's tunnel-creation routes
// (spec.md §4.6).
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/noncecache"
)

var authHeaderRe = regexp.MustCompile(`^HMAC\s+sha256=([a-fA-F0-9]+)$`)

// Authenticator validates HMAC-signed admin requests and guards against
// replay using a shared NonceCache.
type Authenticator struct {
	logger              zerolog.Logger
	secret              []byte
	timestampTolerance  time.Duration
	nonceThreshold      time.Duration
	nonceTTL            time.Duration
	nonces              *noncecache.Cache
	debug               bool
}

// New creates an Authenticator. debug controls whether failure messages
// returned to the caller are specific (development) or generic
// (production), per spec.md §4.6.
func New(logger zerolog.Logger, secret string, timestampTolerance, nonceThreshold, nonceTTL time.Duration, nonces *noncecache.Cache, debug bool) *Authenticator {
	return &Authenticator{
		logger:             logger.With().Str("component", "hmac_auth").Logger(),
		secret:             []byte(secret),
		timestampTolerance: timestampTolerance,
		nonceThreshold:     nonceThreshold,
		nonceTTL:           nonceTTL,
		nonces:             nonces,
		debug:              debug,
	}
}

// Middleware wraps next, rejecting requests that fail validation with 401
// before next ever runs.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			a.reject(w, "unable to read request body", "unable to read request body")
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		if reason, ok := a.validate(r, body); !ok {
			a.reject(w, reason, "authentication failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validate runs the six-step checklist from spec.md §4.6, returning the
// specific failure reason (for debug-mode responses/logging) and whether
// validation succeeded.
func (a *Authenticator) validate(r *http.Request, body []byte) (string, bool) {
	// Step 1: parse Authorization header.
	m := authHeaderRe.FindStringSubmatch(r.Header.Get("Authorization"))
	if m == nil {
		return "missing or malformed Authorization header", false
	}
	signatureHex := m[1]

	// Step 2: timestamp within tolerance.
	tsRaw := r.Header.Get("X-Timestamp")
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "missing or non-numeric X-Timestamp", false
	}
	now := time.Now().Unix()
	tolSec := int64(a.timestampTolerance / time.Second)
	if ts < now-tolSec || ts > now+tolSec {
		return "timestamp outside tolerance window", false
	}

	// Step 3: nonce within bounds.
	nonceRaw := r.Header.Get("X-Nonce")
	nonce, err := strconv.ParseInt(nonceRaw, 10, 64)
	if err != nil {
		return "missing or non-numeric X-Nonce", false
	}
	thresholdSec := int64(a.nonceThreshold / time.Second)
	lowerMS := (ts - thresholdSec) * 1000
	upperMS := (ts + tolSec) * 1000
	if nonce < lowerMS || nonce > upperMS {
		return "nonce outside valid range for timestamp", false
	}

	// Step 4: replay check.
	if a.nonces.Has(r.Context(), nonceRaw) {
		return "replay", false
	}

	// Step 5: signature, constant time.
	input := r.Method + r.URL.Path + tsRaw + nonceRaw + string(body)
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(input))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signatureHex)
	if err != nil || !hmac.Equal(got, expected) {
		return "signature mismatch", false
	}

	// Step 6: record nonce.
	a.nonces.Add(r.Context(), nonceRaw)
	return "", true
}

func (a *Authenticator) reject(w http.ResponseWriter, specific, generic string) {
	message := generic
	if a.debug {
		message = specific
	}
	a.logger.Warn().Str("reason", specific).Msg("hmac authentication failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "Authentication failed",
		"message": message,
	})
}
