package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 2 * time.Minute

// presence key: im:presence:<user>
// value: session id; the TTL bounds how long a crashed gateway leaves a user online
func presenceKey(user string) string { return "im:presence:" + user }

// PresenceCache is the Redis side of the presence tracker.
type PresenceCache struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewPresenceCache(rdb *goredis.Client, ttl time.Duration) *PresenceCache {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &PresenceCache{rdb: rdb, ttl: ttl}
}

// Online marks user as online on sessionID and renews the TTL.
func (p *PresenceCache) Online(ctx context.Context, user, sessionID string) error {
	err := p.rdb.Set(ctx, presenceKey(user), sessionID, p.ttl).Err()
	return errors.Wrapf(err, "presence online %s", user)
}

// Offline removes the presence key.
func (p *PresenceCache) Offline(ctx context.Context, user string) error {
	err := p.rdb.Del(ctx, presenceKey(user)).Err()
	return errors.Wrapf(err, "presence offline %s", user)
}

// Refresh pushes the expiry of a live session's key forward. A key that
// already expired is written again.
func (p *PresenceCache) Refresh(ctx context.Context, user, sessionID string) error {
	ok, err := p.rdb.Expire(ctx, presenceKey(user), p.ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "presence refresh %s", user)
	}
	if !ok {
		return p.Online(ctx, user, sessionID)
	}
	return nil
}

func (p *PresenceCache) TTL() time.Duration { return p.ttl }
