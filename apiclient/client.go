// Package apiclient is the Go client the web front-end uses to reach the timesheet API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/DavidNemeth/TimeSheet-App/models"
	"github.com/DavidNemeth/TimeSheet-App/upstream"
)

// ErrInvalidID is returned before any request is made when an update has no id.
var ErrInvalidID = errors.New("timesheet entry id must be positive")

// StatusError is a non-success API response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

type Option func(*Client)

// WithBearerToken authenticates every request with the token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithBreaker replaces the default list breaker.
func WithBreaker(b *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = logger }
}

type Client struct {
	baseURL string
	http    *http.Client
	token   string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// New builds a client for the API rooted at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = upstream.NewBreaker(upstream.BreakerSettings{Name: "timesheet-api", ConsecutiveFailures: 3, Cooldown: 15 * time.Second}, c.logger)
	}
	return c
}

// ListEntries returns the entries dated within [from, to], optionally limited to one user
// or to the users sharing that user's role. A 404 yields an empty list.
func (c *Client) ListEntries(ctx context.Context, from, to time.Time, userID string, forRole bool) ([]models.TimesheetEntry, error) {
	q := url.Values{}
	q.Set("fromDate", from.Format("2006-01-02"))
	q.Set("toDate", to.Format("2006-01-02"))
	if userID != "" {
		q.Set("userId", userID)
	}
	q.Set("forRole", strconv.FormatBool(forRole))
	return c.list(ctx, "/timesheetentries?"+q.Encode())
}

// ListArchived returns the recently archived entries.
func (c *Client) ListArchived(ctx context.Context) ([]models.TimesheetEntry, error) {
	return c.list(ctx, "/timesheetentries?archived=true")
}

func (c *Client) list(ctx context.Context, path string) ([]models.TimesheetEntry, error) {
	entries := []models.TimesheetEntry{}
	var clientErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		err := c.do(ctx, http.MethodGet, path, nil, &entries)
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
			// client errors say nothing about the API's health
			clientErr = err
			return nil, nil
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("list timesheet entries: %w", upstream.ErrCircuitOpen)
	}
	if err == nil {
		err = clientErr
	}
	if isNotFound(err) {
		c.logger.Warnw("timesheet entries not found", "path", path)
		return []models.TimesheetEntry{}, nil
	}
	if err != nil {
		c.logger.Errorw("failed to retrieve timesheet entries", "path", path, "error", err)
		return nil, fmt.Errorf("list timesheet entries: %w", err)
	}
	return entries, nil
}

// Get returns nil without error when the entry does not exist.
func (c *Client) Get(ctx context.Context, id uint) (*models.TimesheetEntry, error) {
	var entry models.TimesheetEntry
	err := c.do(ctx, http.MethodGet, entryPath(id), nil, &entry)
	if isNotFound(err) {
		c.logger.Warnw("timesheet entry not found", "id", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get timesheet entry %d: %w", id, err)
	}
	return &entry, nil
}

func (c *Client) Create(ctx context.Context, entry *models.TimesheetEntry) (*models.TimesheetEntry, error) {
	var created models.TimesheetEntry
	if err := c.do(ctx, http.MethodPost, "/timesheetentries", entry, &created); err != nil {
		return nil, fmt.Errorf("create timesheet entry: %w", err)
	}
	return &created, nil
}

func (c *Client) Update(ctx context.Context, entry *models.TimesheetEntry) (*models.TimesheetEntry, error) {
	if entry == nil || entry.ID == 0 {
		return nil, ErrInvalidID
	}
	var updated models.TimesheetEntry
	if err := c.do(ctx, http.MethodPut, entryPath(entry.ID), entry, &updated); err != nil {
		return nil, fmt.Errorf("update timesheet entry %d: %w", entry.ID, err)
	}
	return &updated, nil
}

func (c *Client) Delete(ctx context.Context, id uint) error {
	if err := c.do(ctx, http.MethodDelete, entryPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete timesheet entry %d: %w", id, err)
	}
	return nil
}

func (c *Client) Archive(ctx context.Context, id uint, archivedBy string) error {
	if err := c.do(ctx, http.MethodPost, entryPath(id)+"/archive", archivedBy, nil); err != nil {
		return fmt.Errorf("archive timesheet entry %d: %w", id, err)
	}
	return nil
}

func (c *Client) UnArchive(ctx context.Context, id uint, unArchivedBy string) error {
	if err := c.do(ctx, http.MethodPost, entryPath(id)+"/unarchive", unArchivedBy, nil); err != nil {
		return fmt.Errorf("unarchive timesheet entry %d: %w", id, err)
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, id uint, submittedBy string) (*models.TimesheetEntry, error) {
	return c.action(ctx, id, "submit", map[string]string{"submittedBy": submittedBy})
}

func (c *Client) Approve(ctx context.Context, id uint, approvedBy string) (*models.TimesheetEntry, error) {
	return c.action(ctx, id, "approve", map[string]string{"approvedBy": approvedBy})
}

func (c *Client) Reject(ctx context.Context, id uint, rejectedBy, reason string) (*models.TimesheetEntry, error) {
	return c.action(ctx, id, "reject", map[string]string{"rejectedBy": rejectedBy, "reason": reason})
}

func (c *Client) action(ctx context.Context, id uint, name string, body interface{}) (*models.TimesheetEntry, error) {
	var entry models.TimesheetEntry
	if err := c.do(ctx, http.MethodPost, entryPath(id)+"/"+name, body, &entry); err != nil {
		return nil, fmt.Errorf("%s timesheet entry %d: %w", name, id, err)
	}
	return &entry, nil
}

func entryPath(id uint) string {
	return "/timesheetentries/" + strconv.FormatUint(uint64(id), 10)
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(payload)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
