package repository

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type cachedParticipants struct {
	participants []string
	fetchedAt    time.Time
}

// SocialRepository serves the two external-graph lookups the core
// consumes: conversation membership and the follower graph. Membership
// is immutable for a conversation's lifetime, so a short TTL cache keeps
// the hot send path off the database.
type SocialRepository struct {
	pool     *pgxpool.Pool
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cachedParticipants
}

func NewSocialRepository(pool *pgxpool.Pool) *SocialRepository {
	return &SocialRepository{
		pool:     pool,
		cacheTTL: 30 * time.Second,
		cache:    map[string]cachedParticipants{},
	}
}

func (r *SocialRepository) Participants(ctx context.Context, conversationID string) ([]string, error) {
	now := time.Now()
	r.mu.RLock()
	if cached, ok := r.cache[conversationID]; ok && now.Sub(cached.fetchedAt) < r.cacheTTL {
		r.mu.RUnlock()
		return append([]string(nil), cached.participants...), nil
	}
	r.mu.RUnlock()

	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id=$1
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		participants = append(participants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[conversationID] = cachedParticipants{participants: participants, fetchedAt: now}
	r.mu.Unlock()
	return append([]string(nil), participants...), nil
}

// Related returns identities following or followed by the given one,
// for presence fan-out.
func (r *SocialRepository) Related(ctx context.Context, identity string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT followee_id FROM follows WHERE follower_id=$1
		UNION
		SELECT follower_id FROM follows WHERE followee_id=$1
	`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	related := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		related = append(related, id)
	}
	return related, rows.Err()
}
