package models

// Caller is the authenticated principal behind an API request.
type Caller struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// DisplayName is used for audit stamps.
func (c *Caller) DisplayName() string {
	if c == nil {
		return ""
	}
	if c.Username != "" {
		return c.Username
	}
	return c.UserID
}
