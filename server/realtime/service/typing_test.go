package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"sns_server/server/realtime/domain"
)

func TestTyping_BroadcastToOthersOnly(t *testing.T) {
	registry := NewRegistry(PolicyAllowDuplicates)
	aliceSink := &fakeSink{}
	bobSink := &fakeSink{}
	if _, err := registry.Register("alice", "phone", aliceSink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := registry.Register("bob", "phone", bobSink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := NewTypingBroadcaster(&memConversations{participants: map[string][]string{"c1": {"alice", "bob"}}}, registry, &fakeLimiter{allow: true}, 2*time.Second)
	if err := b.NotifyTyping(context.Background(), "alice", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bobSink.countType(EventTyping) != 1 {
		t.Fatal("bob must see the typing event")
	}
	if aliceSink.countType(EventTyping) != 0 {
		t.Fatal("the typer must not see their own event")
	}
}

func TestTyping_RateLimitedSilentDrop(t *testing.T) {
	registry := NewRegistry(PolicyAllowDuplicates)
	bobSink := &fakeSink{}
	if _, err := registry.Register("bob", "phone", bobSink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter := &fakeLimiter{allow: false}
	b := NewTypingBroadcaster(&memConversations{participants: map[string][]string{"c1": {"alice", "bob"}}}, registry, limiter, 2*time.Second)

	// Dropped events are not errors.
	if err := b.NotifyTyping(context.Background(), "alice", "c1"); err != nil {
		t.Fatalf("rate-limited typing must be silent: %v", err)
	}
	if bobSink.countType(EventTyping) != 0 {
		t.Fatal("dropped event must not be broadcast")
	}
	if limiter.calls != 1 {
		t.Fatalf("expected 1 limiter call, got %d", limiter.calls)
	}
}

func TestTyping_NonParticipantRejected(t *testing.T) {
	registry := NewRegistry(PolicyAllowDuplicates)
	b := NewTypingBroadcaster(&memConversations{participants: map[string][]string{"c1": {"alice", "bob"}}}, registry, &fakeLimiter{allow: true}, 2*time.Second)

	err := b.NotifyTyping(context.Background(), "mallory", "c1")
	if !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}
