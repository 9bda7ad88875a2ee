package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// HistoryAction classifies a history record.
type HistoryAction int

const (
	HistoryCreated HistoryAction = iota
	HistoryUpdated
)

// EntityTimesheetEntry is the history service's entity type for timesheet entries.
const EntityTimesheetEntry = 0

// HistoryRecord is one snapshot stored by the entity history service.
type HistoryRecord struct {
	ID       uuid.UUID     `json:"id"`
	Action   HistoryAction `json:"action"`
	Type     int           `json:"type"`
	RecordID string        `json:"recordId"`
	Date     time.Time     `json:"date"`
	State    string        `json:"state"`
	UserID   string        `json:"userId"`
}

// NewHistoryRecord builds a timesheet entry record with a fresh id.
func NewHistoryRecord(action HistoryAction, recordID uint, at time.Time, state, userID string) HistoryRecord {
	return HistoryRecord{
		ID:       uuid.New(),
		Action:   action,
		Type:     EntityTimesheetEntry,
		RecordID: strconv.FormatUint(uint64(recordID), 10),
		Date:     at.UTC(),
		State:    state,
		UserID:   userID,
	}
}

// HistoryClient reads and appends entity history records.
type HistoryClient struct {
	client *Client
}

func NewHistoryClient(c *Client) *HistoryClient {
	return &HistoryClient{client: c}
}

// List returns the records stored for the entity. A 404 means no records.
func (c *HistoryClient) List(ctx context.Context, entityType int, recordID string) ([]HistoryRecord, error) {
	records := []HistoryRecord{}
	path := "/EntityHistory/" + strconv.Itoa(entityType) + "/" + url.PathEscape(recordID)
	err := c.client.do(ctx, "list history", http.MethodGet, path, nil, &records)
	if IsStatus(err, http.StatusNotFound) {
		return []HistoryRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Append stores a new record.
func (c *HistoryClient) Append(ctx context.Context, rec HistoryRecord) error {
	return c.client.do(ctx, "append history", http.MethodPost, "/EntityHistory", rec, nil)
}
