package service

import (
	"context"
	"fmt"
	"time"

	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

// RateLimiter grants at most one event per key per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// TypingBroadcaster is a stateless relay of transient typing events.
// Nothing is stored server-side; indicators expire on the client. Excess
// events inside the rate window are silently dropped, never queued.
type TypingBroadcaster struct {
	convs    ConversationLookup
	registry *Registry
	limiter  RateLimiter
	window   time.Duration
}

func NewTypingBroadcaster(convs ConversationLookup, registry *Registry, limiter RateLimiter, window time.Duration) *TypingBroadcaster {
	return &TypingBroadcaster{convs: convs, registry: registry, limiter: limiter, window: window}
}

type typingEvent struct {
	ConversationID string `json:"conversation_id"`
	Identity       string `json:"identity"`
}

func (b *TypingBroadcaster) NotifyTyping(ctx context.Context, sender, conversationID string) error {
	participants, err := b.convs.Participants(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("lookup participants: %w", err)
	}
	if !contains(participants, sender) {
		return domain.ErrNotAParticipant
	}

	allowed, err := b.limiter.Allow(ctx, "typing:"+conversationID+":"+sender, b.window)
	if err != nil {
		// Rate limiting is bounding, not correctness; fail open.
		commonlog.Warnf("event=typing action=rate_limit status=failed conversation_id=%s error=%v", conversationID, err)
		allowed = true
	}
	if !allowed {
		return nil
	}

	frame, err := encodeEvent(EventTyping, typingEvent{ConversationID: conversationID, Identity: sender})
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p == sender {
			continue
		}
		b.registry.BroadcastToIdentity(p, frame)
	}
	return nil
}
