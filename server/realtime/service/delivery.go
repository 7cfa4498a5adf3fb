package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

// MessageStore is the durable message log. AdvanceState applies the
// monotonic sent -> delivered -> read transition and reports whether the
// row actually moved, together with the sender to route the receipt to.
type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) error
	MaxSeq(ctx context.Context, conversationID string) (int64, error)
	AdvanceState(ctx context.Context, conversationID string, seq int64, state domain.DeliveryState) (sender string, advanced bool, err error)
	History(ctx context.Context, conversationID string, limit int, beforeSeq *int64) ([]domain.Message, error)
}

// MailboxStore queues messages for recipients with no live connection.
// Drain returns entries in creation order and removes them.
type MailboxStore interface {
	Append(ctx context.Context, recipient string, msg domain.Message) error
	Drain(ctx context.Context, recipient string) ([]domain.Message, error)
}

// ConversationLookup is the external membership collaborator.
type ConversationLookup interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// Deduper claims a retry key exactly once. Later attempts see the value
// recorded by the attempt that won the claim.
type Deduper interface {
	Claim(ctx context.Context, key string) (existing string, claimed bool, err error)
	Record(ctx context.Context, key, value string) error
	Release(ctx context.Context, key string) error
}

// convSequence owns message-ID assignment for one conversation. All
// sends for the conversation serialize on its mutex so the sequence
// stays strictly increasing and gap-free.
type convSequence struct {
	mu     sync.Mutex
	seeded bool
	next   int64
}

// DeliveryEngine routes direct messages to recipient connections and
// falls back to the offline mailbox on miss.
type DeliveryEngine struct {
	store    MessageStore
	mailbox  MailboxStore
	convs    ConversationLookup
	registry *Registry
	dedup    Deduper

	mu        sync.Mutex
	sequences map[string]*convSequence
}

func NewDeliveryEngine(store MessageStore, mailbox MailboxStore, convs ConversationLookup, registry *Registry, dedup Deduper) *DeliveryEngine {
	return &DeliveryEngine{
		store:     store,
		mailbox:   mailbox,
		convs:     convs,
		registry:  registry,
		dedup:     dedup,
		sequences: map[string]*convSequence{},
	}
}

func (e *DeliveryEngine) sequenceFor(conversationID string) *convSequence {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq, ok := e.sequences[conversationID]
	if !ok {
		seq = &convSequence{}
		e.sequences[conversationID] = seq
	}
	return seq
}

// Send validates membership, assigns the next message ID for the
// conversation, persists the message and fans it out. Participants with
// no live connection get a mailbox entry instead. Retries carrying the
// same client message ID are deduplicated, not rejected.
func (e *DeliveryEngine) Send(ctx context.Context, sender, conversationID string, payload json.RawMessage, clientMsgID string) (domain.Message, error) {
	participants, err := e.convs.Participants(ctx, conversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("lookup participants: %w", err)
	}
	if !contains(participants, sender) {
		return domain.Message{}, domain.ErrNotAParticipant
	}

	key := ""
	if clientMsgID != "" {
		key = dedupKey(conversationID, sender, clientMsgID)
		existing, claimed, err := e.dedup.Claim(ctx, key)
		if err != nil {
			return domain.Message{}, fmt.Errorf("claim send: %w", err)
		}
		if !claimed {
			if seq, perr := strconv.ParseInt(existing, 10, 64); perr == nil && seq > 0 {
				commonlog.Infof("event=delivery action=send status=duplicate conversation_id=%s sender=%s seq=%d", conversationID, sender, seq)
				return domain.Message{ConversationID: conversationID, Seq: seq, SenderID: sender, DeliveryState: domain.DeliverySent}, nil
			}
			// First attempt still in flight; let the retry go through.
			// At-least-once is the contract, clients dedup by message ID.
		}
	}

	msg, err := e.deliver(ctx, sender, conversationID, payload, participants)
	if err != nil {
		if key != "" {
			_ = e.dedup.Release(ctx, key)
		}
		return domain.Message{}, err
	}

	if key != "" {
		if err := e.dedup.Record(ctx, key, strconv.FormatInt(msg.Seq, 10)); err != nil {
			commonlog.Warnf("event=delivery action=record_dedup status=failed conversation_id=%s error=%v", conversationID, err)
		}
	}
	return msg, nil
}

// deliver assigns the sequence number, persists and fans out, all under
// the conversation's single-writer lock. Fan-out must stay inside the
// lock: releasing it between assignment and enqueue would let two
// concurrent sends reach a recipient's queue in inverted seq order.
// Enqueue never blocks, so holding the lock through fan-out cannot
// stall on a slow peer. A failed append rolls the counter back so the
// sequence stays gap-free.
func (e *DeliveryEngine) deliver(ctx context.Context, sender, conversationID string, payload json.RawMessage, participants []string) (domain.Message, error) {
	seq := e.sequenceFor(conversationID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.seeded {
		max, err := e.store.MaxSeq(ctx, conversationID)
		if err != nil {
			return domain.Message{}, fmt.Errorf("seed sequence: %w", err)
		}
		seq.next = max + 1
		seq.seeded = true
	}

	msg := domain.Message{
		ConversationID: conversationID,
		Seq:            seq.next,
		SenderID:       sender,
		Payload:        payload,
		DeliveryState:  domain.DeliverySent,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.Append(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	seq.next++

	frame, err := encodeEvent(EventMessageNew, msg)
	if err != nil {
		return domain.Message{}, err
	}
	for _, p := range participants {
		if p == sender {
			continue
		}
		if !e.registry.HasConnections(p) {
			if err := e.mailbox.Append(ctx, p, msg); err != nil {
				commonlog.Errorf("event=delivery action=mailbox_append status=failed recipient=%s conversation_id=%s seq=%d error=%v", p, conversationID, msg.Seq, err)
			}
			continue
		}
		if e.registry.BroadcastToIdentity(p, frame) == 0 {
			// Every connection died between the check and the push.
			if err := e.mailbox.Append(ctx, p, msg); err != nil {
				commonlog.Errorf("event=delivery action=mailbox_append status=failed recipient=%s conversation_id=%s seq=%d error=%v", p, conversationID, msg.Seq, err)
			}
		}
	}
	return msg, nil
}

func (e *DeliveryEngine) AcknowledgeDelivered(ctx context.Context, conversationID string, seq int64, recipient string) error {
	return e.acknowledge(ctx, conversationID, seq, recipient, domain.DeliveryDelivered)
}

func (e *DeliveryEngine) AcknowledgeRead(ctx context.Context, conversationID string, seq int64, recipient string) error {
	return e.acknowledge(ctx, conversationID, seq, recipient, domain.DeliveryRead)
}

// acknowledge applies a receipt. Out-of-order and duplicate receipts are
// no-ops, never errors. An applied receipt is echoed to the sender's
// connections.
func (e *DeliveryEngine) acknowledge(ctx context.Context, conversationID string, seq int64, recipient string, state domain.DeliveryState) error {
	sender, advanced, err := e.store.AdvanceState(ctx, conversationID, seq, state)
	if err != nil {
		return fmt.Errorf("advance state: %w", err)
	}
	if !advanced {
		return nil
	}
	frame, err := encodeEvent(EventMessageReceipt, receiptEvent{
		ConversationID: conversationID,
		Seq:            seq,
		Recipient:      recipient,
		State:          state,
	})
	if err != nil {
		return err
	}
	e.registry.BroadcastToIdentity(sender, frame)
	return nil
}

// DrainMailbox returns and clears everything queued for the identity
// while it had no live connection, in creation order. Messages sent
// concurrently with the drain are not lost: they either land in the
// drain result or go straight to the freshly registered connection.
func (e *DeliveryEngine) DrainMailbox(ctx context.Context, identity string) ([]domain.Message, error) {
	msgs, err := e.mailbox.Drain(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("drain mailbox: %w", err)
	}
	if len(msgs) > 0 {
		commonlog.Infof("event=delivery action=mailbox_drain identity=%s count=%d", identity, len(msgs))
	}
	return msgs, nil
}

// History pages backwards through a conversation by sequence number,
// newest first. Only participants may read.
func (e *DeliveryEngine) History(ctx context.Context, requester, conversationID string, limit int, beforeSeq *int64) ([]domain.Message, error) {
	participants, err := e.convs.Participants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("lookup participants: %w", err)
	}
	if !contains(participants, requester) {
		return nil, domain.ErrNotAParticipant
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return e.store.History(ctx, conversationID, limit, beforeSeq)
}

type receiptEvent struct {
	ConversationID string               `json:"conversation_id"`
	Seq            int64                `json:"seq"`
	Recipient      string               `json:"recipient"`
	State          domain.DeliveryState `json:"state"`
}

func dedupKey(conversationID, sender, clientMsgID string) string {
	return "msg:dedup:" + conversationID + ":" + sender + ":" + clientMsgID
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
