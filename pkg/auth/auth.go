// Package auth obtains bearer tokens for APIs that issue them from a
// password-grant token endpoint, such as ERCOT's public reports API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/rest-pipeline/pkg/logging"
	"github.com/rs/zerolog"
)

// ErrAuthentication is matched by every *AuthenticationError.
var ErrAuthentication = errors.New("authentication failed")

// AuthenticationError describes a failed token request.
type AuthenticationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthenticationError) Error() string {
	msg := "authentication failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAuthentication, e.Err}
	}
	return []error{ErrAuthentication}
}

// DefaultTokenField is the response field holding the token.
const DefaultTokenField = "access_token"

// expiryMargin renews a cached token this long before it expires.
const expiryMargin = 30 * time.Second

// TokenProvider posts credentials to a token URL and caches the token it
// gets back until shortly before expires_in runs out.
type TokenProvider struct {
	urlTemplate string
	username    string
	password    string
	tokenField  string
	httpClient  *http.Client
	logger      zerolog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenProvider creates a provider. urlTemplate may contain {username}
// and {password}, which are replaced with the query-escaped credentials.
func NewTokenProvider(urlTemplate, username, password string) *TokenProvider {
	return &TokenProvider{
		urlTemplate: urlTemplate,
		username:    username,
		password:    password,
		tokenField:  DefaultTokenField,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logging.NewLogger("auth"),
	}
}

// SetTokenField overrides the response field read as the token.
func (p *TokenProvider) SetTokenField(field string) {
	p.tokenField = field
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (p *TokenProvider) SetHTTPClient(client *http.Client) {
	p.httpClient = client
}

// TokenURL returns the token URL with credentials substituted.
func (p *TokenProvider) TokenURL() string {
	return strings.NewReplacer(
		"{username}", url.QueryEscape(p.username),
		"{password}", url.QueryEscape(p.password),
	).Replace(p.urlTemplate)
}

// Token returns a cached token or requests a new one.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && (p.expiresAt.IsZero() || time.Now().Before(p.expiresAt)) {
		return p.token, nil
	}

	token, expiresIn, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	p.token = token
	p.expiresAt = time.Time{}
	if expiresIn > 0 {
		p.expiresAt = time.Now().Add(time.Duration(expiresIn)*time.Second - expiryMargin)
	}
	p.logger.Info().Int("expires_in", expiresIn).Msg("Obtained bearer token")
	return token, nil
}

func (p *TokenProvider) fetch(ctx context.Context) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL(), nil)
	if err != nil {
		return "", 0, &AuthenticationError{Message: "invalid token url", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, &AuthenticationError{Message: "token request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, &AuthenticationError{StatusCode: resp.StatusCode, Message: "read token response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Error().Int("status", resp.StatusCode).Msg("Token request rejected")
		return "", 0, &AuthenticationError{StatusCode: resp.StatusCode, Message: errorDescription(body)}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, &AuthenticationError{StatusCode: resp.StatusCode, Message: "decode token response", Err: err}
	}

	token, _ := payload[p.tokenField].(string)
	if token == "" {
		return "", 0, &AuthenticationError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("response has no %q", p.tokenField)}
	}

	expiresIn := 0
	switch v := payload["expires_in"].(type) {
	case nil:
	case float64:
		expiresIn = int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "", 0, &AuthenticationError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid expires_in %q", v), Err: err}
		}
		expiresIn = n
	default:
		return "", 0, &AuthenticationError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid expires_in %v", v)}
	}
	return token, expiresIn, nil
}

// errorDescription pulls an OAuth error description out of body.
func errorDescription(body []byte) string {
	var oauthErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &oauthErr) == nil {
		switch {
		case oauthErr.Description != "":
			return oauthErr.Description
		case oauthErr.Error != "":
			return oauthErr.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.TrimSpace(string(body))
}
