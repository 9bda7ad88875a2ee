package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// IdentityClient resolves roles and team-head status from the identity service.
type IdentityClient struct {
	client *Client
}

func NewIdentityClient(c *Client) *IdentityClient {
	return &IdentityClient{client: c}
}

// GetUserRole returns the role name of the user.
func (c *IdentityClient) GetUserRole(ctx context.Context, userID string) (string, error) {
	var raw []byte
	path := "/user/GetUserRole?userId=" + url.QueryEscape(userID)
	if err := c.client.do(ctx, "get user role", http.MethodGet, path, nil, &raw); err != nil {
		return "", err
	}
	return decodeText(raw), nil
}

// IsTeamHead reports whether the user leads a team.
func (c *IdentityClient) IsTeamHead(ctx context.Context, userID string) (bool, error) {
	var raw []byte
	path := "/user/IsTeamHead?userId=" + url.QueryEscape(userID)
	if err := c.client.do(ctx, "is team head", http.MethodGet, path, nil, &raw); err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(decodeText(raw))
	if err != nil {
		return false, fmt.Errorf("is team head: %w", err)
	}
	return v, nil
}

// decodeText accepts either a JSON string or a bare text body.
func decodeText(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
