package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"sns_server/server/realtime/domain"
)

type FeedRepository struct {
	pool *pgxpool.Pool
}

func NewFeedRepository(pool *pgxpool.Pool) *FeedRepository {
	return &FeedRepository{pool: pool}
}

func (r *FeedRepository) Append(ctx context.Context, event domain.NotificationEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_feed(event_id, target_id, kind, payload, created_at, delivered)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, event.ID, event.TargetID, event.Kind, event.Payload, event.CreatedAt, event.Delivered)
	return err
}

// DrainUndelivered marks the identity's pending events delivered and
// returns them ordered by kind and creation time; ordering across kinds
// carries no guarantee.
func (r *FeedRepository) DrainUndelivered(ctx context.Context, identity string) ([]domain.NotificationEvent, error) {
	rows, err := r.pool.Query(ctx, `
		WITH drained AS (
			UPDATE notification_feed SET delivered=TRUE
			WHERE target_id=$1 AND delivered=FALSE
			RETURNING event_id, target_id, kind, payload, created_at
		)
		SELECT event_id, target_id, kind, payload, created_at
		FROM drained
		ORDER BY kind, created_at, event_id
	`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.NotificationEvent, 0)
	for rows.Next() {
		var e domain.NotificationEvent
		if err := rows.Scan(&e.ID, &e.TargetID, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Delivered = true
		items = append(items, e)
	}
	return items, rows.Err()
}
