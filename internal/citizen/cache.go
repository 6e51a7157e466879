package citizen

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
)

const profileKeyPrefix = "citizen:profile:"

// CachedDirectory is a read-through Redis cache in front of another
// Directory. Misses are not cached. Redis failures fall through to the
// underlying directory.
type CachedDirectory struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewCachedDirectory wraps next with a Redis cache.
func NewCachedDirectory(next Directory, client *redis.Client, ttl time.Duration, log *zap.Logger) *CachedDirectory {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedDirectory{next: next, client: client, ttl: ttl, log: log.Named("citizen_cache")}
}

func (d *CachedDirectory) GetCitizenWithHousehold(ctx context.Context, citizenID string) (*model.CitizenProfile, error) {
	key := profileKeyPrefix + citizenID

	raw, err := d.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p model.CitizenProfile
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			return &p, nil
		}
		d.log.Warn("discarding undecodable cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		d.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	p, err := d.next.GetCitizenWithHousehold(ctx, citizenID)
	if err != nil || p == nil {
		return p, err
	}

	if encoded, err := json.Marshal(p); err == nil {
		if err := d.client.Set(ctx, key, encoded, d.ttl).Err(); err != nil {
			d.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return p, nil
}

// Invalidate drops the cached profile for citizenID.
func (d *CachedDirectory) Invalidate(ctx context.Context, citizenID string) error {
	return d.client.Del(ctx, profileKeyPrefix+citizenID).Err()
}
