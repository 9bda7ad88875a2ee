// Package upstream talks to the collaborator services: identity, entity history and the
// token endpoint used to authenticate against both.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned while the breaker rejects calls after repeated failures.
// Callers should treat it as transient.
var ErrCircuitOpen = errors.New("upstream circuit open")

// Error is a non-success response from a collaborator service.
type Error struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an *Error with the given status code.
func IsStatus(err error, code int) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.StatusCode == code
}

// BreakerSettings configures the shared circuit breaker.
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures opens the breaker once reached.
	ConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open before a trial request.
	Cooldown time.Duration
}

// NewBreaker builds the breaker wrapping outbound calls.
func NewBreaker(s BreakerSettings, logger *zap.SugaredLogger) *gobreaker.CircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	if s.Cooldown == 0 {
		s.Cooldown = 15 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warnw("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
}

// Client performs authenticated JSON calls to the collaborator API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenSource
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewClient builds a client. tokens may be nil when the collaborators need no authentication.
func NewClient(baseURL string, httpClient *http.Client, tokens *TokenSource, breaker *gobreaker.CircuitBreaker, logger *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		breaker: breaker,
		logger:  logger,
	}
}

// transportError marks failures that count against the breaker.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// do sends the request through the breaker and decodes a 2xx body into out (when non-nil).
// A *[]byte out receives the body undecoded.
// Transport failures, token failures and 5xx responses count as breaker failures; 4xx
// responses do not.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var responseErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		status, payload, err := c.roundTrip(ctx, method, path, body)
		if err != nil {
			return nil, &transportError{err: err}
		}
		if status >= 500 {
			return nil, &Error{Op: op, StatusCode: status, Body: payload}
		}
		if status >= 300 {
			responseErr = &Error{Op: op, StatusCode: status, Body: payload}
			return nil, nil
		}
		if raw, ok := out.(*[]byte); ok {
			*raw = []byte(payload)
			return nil, nil
		}
		if out != nil && len(payload) > 0 {
			if err := json.Unmarshal([]byte(payload), out); err != nil {
				responseErr = fmt.Errorf("%s: decode response: %w", op, err)
			}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
	}
	if err != nil {
		var te *transportError
		if errors.As(err, &te) {
			return fmt.Errorf("%s: %w", op, te.err)
		}
		return err
	}
	return responseErr
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}) (int, string, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, "", fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("read response: %w", err)
	}
	if c.logger != nil {
		c.logger.Debugw("upstream call", "method", method, "path", path, "status", resp.StatusCode)
	}
	return resp.StatusCode, string(payload), nil
}
