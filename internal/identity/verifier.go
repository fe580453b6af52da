// Package identity resolves client credentials to user IDs against an
// external auth service.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/courtside/relay/internal/domain"
)

const verifyTimeout = 5 * time.Second

// HTTPVerifier validates bearer credentials against a token
// introspection endpoint. A 2xx response with a user ID admits the
// connection; 401/403 means the credential is bad; anything else is a
// verifier outage and surfaces as a plain error so the caller can tell
// the two apart.
type HTTPVerifier struct {
	client    *http.Client
	verifyURL string
}

// NewHTTPVerifier creates a verifier against verifyURL.
func NewHTTPVerifier(verifyURL string) *HTTPVerifier {
	return &HTTPVerifier{
		client:    &http.Client{Timeout: verifyTimeout},
		verifyURL: verifyURL,
	}
}

type verifyResponse struct {
	UserID string `json:"user_id"`
}

// Verify resolves credential to a user ID.
func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("credential rejected: %w", domain.ErrAuthentication)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("verifier returned status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode verify response: %w", err)
	}
	if body.UserID == "" {
		return "", fmt.Errorf("verify response missing user ID: %w", domain.ErrAuthentication)
	}
	return body.UserID, nil
}

// InsecureVerifier admits any non-empty credential and uses it verbatim
// as the user ID. Local development only.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", domain.ErrAuthentication
	}
	return credential, nil
}
