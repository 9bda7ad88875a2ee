package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenSkew renews the token this long before it actually expires.
const tokenSkew = 60 * time.Second

// TokenError reports a failed token request.
type TokenError struct {
	StatusCode int
	Err        error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to obtain access token: %v", e.Err)
	}
	return fmt.Sprintf("unable to obtain access token: status code %d", e.StatusCode)
}

func (e *TokenError) Unwrap() error { return e.Err }

type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type cachedToken struct {
	value   string
	expires time.Time
}

// TokenSource caches the client-credentials bearer token used for collaborator calls.
// Concurrent callers share a single refresh.
type TokenSource struct {
	endpoint     string
	clientID     string
	clientSecret string
	http         *http.Client
	now          func() time.Time

	mu    sync.Mutex
	token cachedToken
}

func NewTokenSource(baseURL, clientID, clientSecret string, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenSource{
		endpoint:     strings.TrimRight(baseURL, "/") + "/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         httpClient,
		now:          time.Now,
	}
}

// Token returns a valid access token, requesting a new one when the cached token is
// missing or about to expire.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// another caller may have refreshed while we waited
	if s.token.value != "" && s.now().Before(s.token.expires) {
		return s.token.value, nil
	}

	tok, err := s.request(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok
	return tok.value, nil
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.value != "" && s.now().Before(s.token.expires) {
		return s.token.value, true
	}
	return "", false
}

func (s *TokenSource) request(ctx context.Context) (cachedToken, error) {
	body, err := json.Marshal(tokenRequest{ClientID: s.clientID, ClientSecret: s.clientSecret})
	if err != nil {
		return cachedToken{}, &TokenError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return cachedToken{}, &TokenError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return cachedToken{}, &TokenError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return cachedToken{}, &TokenError{StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return cachedToken{}, &TokenError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return cachedToken{}, &TokenError{StatusCode: resp.StatusCode, Err: fmt.Errorf("empty access token")}
	}

	expires, err := tokenExpiry(tr.AccessToken)
	if err != nil {
		return cachedToken{}, &TokenError{StatusCode: resp.StatusCode, Err: err}
	}
	return cachedToken{value: tr.AccessToken, expires: expires.Add(-tokenSkew)}, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the token is only
// forwarded, never trusted locally.
func tokenExpiry(raw string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("access token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}
