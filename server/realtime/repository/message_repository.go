package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sns_server/server/realtime/domain"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Append(ctx context.Context, msg domain.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages(conversation_id, seq, sender_id, payload, delivery_state, created_at)
		VALUES($1, $2, $3, $4, $5, $6)
	`, msg.ConversationID, msg.Seq, msg.SenderID, msg.Payload, msg.DeliveryState, msg.CreatedAt)
	return err
}

func (r *MessageRepository) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var max int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id=$1
	`, conversationID).Scan(&max)
	return max, err
}

// AdvanceState moves delivery_state forward only; regressions and
// repeats match zero rows and report advanced=false.
func (r *MessageRepository) AdvanceState(ctx context.Context, conversationID string, seq int64, state domain.DeliveryState) (string, bool, error) {
	var sender string
	err := r.pool.QueryRow(ctx, `
		UPDATE messages SET delivery_state=$3
		WHERE conversation_id=$1 AND seq=$2
		  AND CASE delivery_state WHEN 'sent' THEN 0 WHEN 'delivered' THEN 1 ELSE 2 END
		    < CASE $3 WHEN 'sent' THEN 0 WHEN 'delivered' THEN 1 ELSE 2 END
		RETURNING sender_id
	`, conversationID, seq, state).Scan(&sender)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return sender, true, nil
}

func (r *MessageRepository) History(ctx context.Context, conversationID string, limit int, beforeSeq *int64) ([]domain.Message, error) {
	base := `
		SELECT conversation_id, seq, sender_id, payload, delivery_state, created_at
		FROM messages
		WHERE conversation_id=$1`
	args := []any{conversationID}

	if beforeSeq != nil {
		base += ` AND seq < $2 ORDER BY seq DESC LIMIT $3`
		args = append(args, *beforeSeq, limit)
	} else {
		base += ` ORDER BY seq DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, base, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.SenderID, &m.Payload, &m.DeliveryState, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
