package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"sns_server/server/realtime/domain"
)

type MailboxRepository struct {
	pool *pgxpool.Pool
}

func NewMailboxRepository(pool *pgxpool.Pool) *MailboxRepository {
	return &MailboxRepository{pool: pool}
}

func (r *MailboxRepository) Append(ctx context.Context, recipient string, msg domain.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO offline_mailbox(recipient_id, conversation_id, seq, sender_id, payload, created_at)
		VALUES($1, $2, $3, $4, $5, $6)
	`, recipient, msg.ConversationID, msg.Seq, msg.SenderID, msg.Payload, msg.CreatedAt)
	return err
}

// Drain removes and returns everything queued for the recipient,
// ordered by seq within each conversation. The delete and the read are
// one statement so an entry is consumed exactly once even with
// concurrent drains.
func (r *MailboxRepository) Drain(ctx context.Context, recipient string) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		WITH drained AS (
			DELETE FROM offline_mailbox
			WHERE recipient_id=$1
			RETURNING conversation_id, seq, sender_id, payload, created_at
		)
		SELECT conversation_id, seq, sender_id, payload, created_at
		FROM drained
		ORDER BY conversation_id, seq
	`, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.SenderID, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.DeliveryState = domain.DeliverySent
		items = append(items, m)
	}
	return items, rows.Err()
}
