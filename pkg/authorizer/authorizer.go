// Package authorizer implements the HTTP client the Admission
// Front-End calls to validate a submission's username/password when
// the payload declares enable_auth. Grounded in
// original_source/broker/service/api/v10.py::check_authorization,
// which delegates to an external authorization_url and inspects the
// response's "success" field — the authorizer service itself was not
// part of the retrieval pack, so only its wire contract is modeled.
package authorizer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/jobbroker/pkg/brokererr"
)

// Client validates credentials against an external authorization service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client rooted at baseURL. An empty baseURL disables
// authorization entirely: Authorize always succeeds.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Authorize checks username/password against the configured
// authorization service, returning brokererr.Unauthorized on
// rejection.
func (c *Client) Authorize(ctx context.Context, username, password string) error {
	if c.baseURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return brokererr.FatalInternal(err, "encode authorization request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return brokererr.FatalInternal(err, "build authorization request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return brokererr.Unauthorized("authorization service unreachable: %v", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return brokererr.Unauthorized("malformed authorization response: %v", err)
	}
	if !result.Success {
		return brokererr.Unauthorized("invalid credentials for %q", username)
	}
	return nil
}
