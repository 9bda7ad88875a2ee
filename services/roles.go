package services

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// roleCache memoizes role lookups for the lifetime of one query.
type roleCache struct {
	lookup RoleLookup
	mu     sync.Mutex
	roles  map[string]string
}

func newRoleCache(lookup RoleLookup) *roleCache {
	return &roleCache{lookup: lookup, roles: make(map[string]string)}
}

func (c *roleCache) get(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	role, ok := c.roles[userID]
	return role, ok
}

func (c *roleCache) role(ctx context.Context, userID string) (string, error) {
	if role, ok := c.get(userID); ok {
		return role, nil
	}
	role, err := c.lookup.GetUserRole(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve role of %s: %w", userID, err)
	}
	c.mu.Lock()
	c.roles[userID] = role
	c.mu.Unlock()
	return role, nil
}

// resolve looks up every distinct user id once, at most limit at a time.
func (c *roleCache) resolve(ctx context.Context, userIDs []string, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := c.get(id); ok {
			continue
		}
		id := id
		g.Go(func() error {
			_, err := c.role(ctx, id)
			return err
		})
	}
	return g.Wait()
}
