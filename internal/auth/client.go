// Package auth exchanges an identity-provider credential for a platform
// access token.
//
// The identity provider itself is out of scope; it is consumed as a
// capability that either returns a bearer credential or fails. The viewer
// identity string is derived from the access token's subject claim without
// verifying the signature: the client is not the token's audience validator,
// it only needs a stable identity to classify chat authorship.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ErrLoginFailed indicates the login endpoint rejected the credential.
var ErrLoginFailed = errors.New("login failed")

// APIError is the failure body returned by the HTTP API.
type APIError struct {
	Message    string `json:"message"`
	ErrorKind  string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s (%s)", e.StatusCode, e.Message, e.ErrorKind)
}

// Credentials is a successful login outcome.
type Credentials struct {
	AccessToken string
	Identity    string // subject claim of the access token, empty if absent
}

// Client performs platform logins against the HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a login client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// loginResponse is the success body of POST /auth/login.
type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login posts the bearer credential and returns platform credentials.
//
// On failure the API's {message, error, statusCode} body is surfaced as an
// *APIError wrapping ErrLoginFailed semantics; transport problems return a
// plain wrapped error.
func (c *Client) Login(ctx context.Context, bearer string) (*Credentials, error) {
	url := c.baseURL + "/auth/login"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: "login rejected"}
		if err := json.Unmarshal(body, apiErr); err != nil {
			log.Warn().Err(err).Int("status", resp.StatusCode).Msg("unparseable login error body")
		}
		if apiErr.StatusCode == 0 {
			apiErr.StatusCode = resp.StatusCode
		}
		return nil, apiErr
	}

	var out loginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid response body: %v", ErrLoginFailed, err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrLoginFailed)
	}

	return &Credentials{
		AccessToken: out.AccessToken,
		Identity:    subjectOf(out.AccessToken),
	}, nil
}

// subjectOf extracts the subject claim from a JWT without verification.
// Returns empty when the token is opaque or carries no subject.
func subjectOf(token string) string {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		log.Debug().Err(err).Msg("access token is not a parseable JWT")
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
