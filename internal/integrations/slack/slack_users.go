package slackbot

import (
	"context"
	"strings"
	"sync"
	"time"

	"triagebot/internal/logger"
)

const userCacheTTL = 5 * time.Minute

type cachedName struct {
	name      string
	fetchedAt time.Time
}

type userCache struct {
	sync.Mutex
	names map[string]cachedName
}

// userName resolves a Slack user ID to the name shown to the team. Lookup
// failures fall back to the raw ID.
func (c *Client) userName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	c.users.Lock()
	if cached, ok := c.users.names[userID]; ok && c.now().Sub(cached.fetchedAt) < userCacheTTL {
		c.users.Unlock()
		return cached.name
	}
	c.users.Unlock()

	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		logger.Warnf("slack user lookup user=%s error=%v", userID, err)
		return userID
	}
	name := firstNonEmpty(user.Profile.DisplayName, user.RealName, user.Name, userID)

	c.users.Lock()
	if c.users.names == nil {
		c.users.names = make(map[string]cachedName)
	}
	c.users.names[userID] = cachedName{name: name, fetchedAt: c.now()}
	c.users.Unlock()
	return name
}

func isLikelySlackID(val string) bool {
	if len(val) < 9 {
		return false
	}
	for i, r := range val {
		if i == 0 {
			if r != 'U' && r != 'W' {
				return false
			}
			continue
		}
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
