package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"personago/internal/models"
	"personago/internal/redis"
)

const defaultThreadTTL = 5 * time.Minute

// Cache keeps recently fetched live threads so repeated replies in one
// conversation do not refetch it from the platform.
type Cache interface {
	Load(ctx context.Context, platform, conversationID string) ([]models.Reply, bool)
	Store(ctx context.Context, platform, conversationID string, replies []models.Reply)
	Invalidate(ctx context.Context, platform, conversationID string)
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisCache stores threads in redis for ttl (default five minutes).
func NewRedisCache(client *redis.Client, ttl time.Duration, log *slog.Logger) Cache {
	if ttl <= 0 {
		ttl = defaultThreadTTL
	}
	return &redisCache{client: client, ttl: ttl, log: log}
}

func threadKey(platform, conversationID string) string {
	return fmt.Sprintf("conversation:%s:%s", platform, conversationID)
}

func (r *redisCache) Load(ctx context.Context, platform, conversationID string) ([]models.Reply, bool) {
	if r == nil || r.client == nil {
		return nil, false
	}
	raw, err := r.client.Get(ctx, threadKey(platform, conversationID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			r.log.Warn("load thread from redis failed", "error", err)
		}
		return nil, false
	}
	var replies []models.Reply
	if err := json.Unmarshal([]byte(raw), &replies); err != nil {
		r.log.Warn("decode cached thread failed", "error", err)
		return nil, false
	}
	return replies, true
}

func (r *redisCache) Store(ctx context.Context, platform, conversationID string, replies []models.Reply) {
	if r == nil || r.client == nil {
		return
	}
	data, err := json.Marshal(replies)
	if err != nil {
		r.log.Warn("encode thread failed", "error", err)
		return
	}
	if err := r.client.Set(ctx, threadKey(platform, conversationID), data, r.ttl); err != nil {
		r.log.Warn("cache thread in redis failed", "error", err)
	}
}

func (r *redisCache) Invalidate(ctx context.Context, platform, conversationID string) {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.Del(ctx, threadKey(platform, conversationID)); err != nil && err != redis.ErrCacheMiss {
		r.log.Warn("invalidate thread in redis failed", "error", err)
	}
}
