package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"sns_server/server/realtime/domain"
)

// PresenceRepository keeps PresenceRecords in redis, one hash per
// identity.
type PresenceRepository struct {
	rdb *redis.Client
}

func NewPresenceRepository(rdb *redis.Client) *PresenceRepository {
	return &PresenceRepository{rdb: rdb}
}

func presenceKey(identity string) string {
	return "presence:" + identity
}

func (r *PresenceRepository) SetOnline(ctx context.Context, identity string) error {
	return r.rdb.HSet(ctx, presenceKey(identity), "status", string(domain.PresenceOnline)).Err()
}

func (r *PresenceRepository) SetOffline(ctx context.Context, identity string, lastSeen time.Time) error {
	return r.rdb.HSet(ctx, presenceKey(identity),
		"status", string(domain.PresenceOffline),
		"last_seen", lastSeen.UTC().Format(time.RFC3339Nano),
	).Err()
}

// Get returns the stored record; an identity never seen before reads as
// offline with a zero last-seen.
func (r *PresenceRepository) Get(ctx context.Context, identity string) (domain.PresenceRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, presenceKey(identity)).Result()
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	record := domain.PresenceRecord{Identity: identity, Status: domain.PresenceOffline}
	if status, ok := fields["status"]; ok && status == string(domain.PresenceOnline) {
		record.Status = domain.PresenceOnline
	}
	if raw, ok := fields["last_seen"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			record.LastSeen = ts
		}
	}
	return record, nil
}
