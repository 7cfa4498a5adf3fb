package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitRepository grants one event per key per window via SET NX
// with a TTL.
type RateLimitRepository struct {
	rdb *redis.Client
}

func NewRateLimitRepository(rdb *redis.Client) *RateLimitRepository {
	return &RateLimitRepository{rdb: rdb}
}

func (r *RateLimitRepository) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, "ratelimit:"+key, "1", window).Result()
}

const dedupTTL = 24 * time.Hour

// DedupRepository backs send-retry deduplication with the same SET NX
// pattern; the winning attempt records the assigned message ID under
// the key.
type DedupRepository struct {
	rdb *redis.Client
}

func NewDedupRepository(rdb *redis.Client) *DedupRepository {
	return &DedupRepository{rdb: rdb}
}

func (r *DedupRepository) Claim(ctx context.Context, key string) (string, bool, error) {
	claimed, err := r.rdb.SetNX(ctx, key, "pending", dedupTTL).Result()
	if err != nil {
		return "", false, err
	}
	if claimed {
		return "", true, nil
	}
	existing, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// Key expired between the claim attempt and the read.
			return "", false, nil
		}
		return "", false, err
	}
	return existing, false, nil
}

func (r *DedupRepository) Record(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, key, value, dedupTTL).Err()
}

func (r *DedupRepository) Release(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
