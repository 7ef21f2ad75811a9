package steam

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"trophysync/pkg/model"
)

// MetadataCache stores achievement schemas per app id.
// Schemas rarely change, so a miss only costs one extra API call.
type MetadataCache interface {
	Get(ctx context.Context, appID string) (map[string]model.UnlockMetadata, bool)
	Set(ctx context.Context, appID string, md map[string]model.UnlockMetadata)
}

// NopCache never stores anything
type NopCache struct{}

func (NopCache) Get(context.Context, string) (map[string]model.UnlockMetadata, bool) { return nil, false }
func (NopCache) Set(context.Context, string, map[string]model.UnlockMetadata)        {}

// RedisCache keeps schemas in Redis with a TTL
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(appID string) string {
	return c.prefix + "steam:schema:" + appID
}

func (c *RedisCache) Get(ctx context.Context, appID string) (map[string]model.UnlockMetadata, bool) {
	data, err := c.client.Get(ctx, c.key(appID)).Bytes()
	if err != nil {
		return nil, false
	}
	var md map[string]model.UnlockMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, false
	}
	return md, true
}

func (c *RedisCache) Set(ctx context.Context, appID string, md map[string]model.UnlockMetadata) {
	data, err := json.Marshal(md)
	if err != nil {
		return
	}
	// Best effort: a failed write just means another schema fetch later
	_ = c.client.Set(ctx, c.key(appID), data, c.ttl).Err()
}
