// adminclient is a minimal HTTP client for the rendezvous server's admin
// API, adapted from the teacher's tools/sdk/go Client: same baseURL +
// functional-option construction and JSON request/response handling,
// narrowed to the one call this reference program needs and extended
// with the optional HMAC signing the admin plane requires (spec.md §4.6).
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// AdminClient calls the admin plane to provision tunnels.
type AdminClient struct {
	baseURL    string
	hmacSecret string
	httpClient *http.Client
}

// NewAdminClient constructs a client against baseURL. hmacSecret may be
// empty if the server runs without HMAC authentication.
func NewAdminClient(baseURL, hmacSecret string) *AdminClient {
	return &AdminClient{
		baseURL:    baseURL,
		hmacSecret: hmacSecret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// TunnelInfo mirrors the admin plane's tunnel-creation response body.
type TunnelInfo struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

// RequestTunnel calls GET /:id (or GET /?new when id is empty) to
// provision a tunnel, per spec.md §6.2.
func (c *AdminClient) RequestTunnel(id string) (*TunnelInfo, error) {
	urlPath := "/"
	query := ""
	if id != "" {
		urlPath = "/" + id
	} else {
		query = "new"
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+urlPath, nil)
	if err != nil {
		return nil, fmt.Errorf("adminclient: build request: %w", err)
	}
	req.URL.RawQuery = query
	if c.hmacSecret != "" {
		// Signature input uses the path only (matching r.URL.Path server-side),
		// not the query string — spec.md §4.6's signature input is
		// METHOD+PATH+TIMESTAMP+NONCE+BODY.
		c.sign(req, urlPath)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("adminclient: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("adminclient: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("adminclient: server returned %d: %s", resp.StatusCode, body)
	}

	var info TunnelInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("adminclient: decode response: %w", err)
	}
	return &info, nil
}

// sign attaches the Authorization/X-Timestamp/X-Nonce headers described
// in spec.md §4.6: signature input is METHOD+PATH+TIMESTAMP+NONCE+BODY
// (GET requests carry no body), HMAC-SHA256, hex-encoded.
func (c *AdminClient) sign(req *http.Request, path string) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(c.hmacSecret))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(path))
	mac.Write([]byte(ts))
	mac.Write([]byte(nonce))
	sig := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", "HMAC sha256="+sig)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", nonce)
}
