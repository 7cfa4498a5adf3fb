package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient returns a client tuned for the realtime hot path: presence
// writes, typing rate-limit checks and send dedup all sit on user-facing
// latency, so commands time out fast rather than queueing.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		ClientName:   "sns-realtime",
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}
