// Package authclient talks to the authentication service's verify
// endpoint. The gateway never inspects token contents itself; it
// delegates every check and fails closed when the service cannot be
// reached.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Principal is the authenticated identity returned by the auth service.
// It lives for a single request and is never persisted by the gateway.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

var (
	// ErrInvalidToken covers tokens the auth service rejected, whether
	// by a valid:false body or an HTTP-level rejection.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnavailable covers transport failures and timeouts reaching
	// the auth service. Callers must treat it as a denial, never as an
	// implicit allow.
	ErrUnavailable = errors.New("auth service unavailable")
)

// DefaultVerifyTimeout bounds the verification round trip.
const DefaultVerifyTimeout = 5 * time.Second

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid bool      `json:"valid"`
	User  Principal `json:"user"`
}

// Client issues verification calls against the auth service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client. Tests use this
// to replay recorded interactions or hit a local mock.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the verification timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New constructs a Client for the auth service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultVerifyTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify asks the auth service whether token is valid and returns the
// principal it belongs to. The error is always one of ErrInvalidToken
// or ErrUnavailable (wrapped with detail).
func (c *Client) Verify(ctx context.Context, token string) (*Principal, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: auth service returned %d", ErrInvalidToken, resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if !vr.Valid {
		return nil, ErrInvalidToken
	}
	return &vr.User, nil
}
