package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"sns_server/server/realtime/domain"
)

// fakeSink records every frame queued on it and can be flipped to fail,
// standing in for a dead socket.
type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	fail     bool
	shutdown bool
}

func (s *fakeSink) Enqueue(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink failed")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

func (s *fakeSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSink) recorded() []wsEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wsEnvelope, 0, len(s.frames))
	for _, frame := range s.frames {
		var env wsEnvelope
		if err := json.Unmarshal(frame, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (s *fakeSink) countType(eventType string) int {
	n := 0
	for _, env := range s.recorded() {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

// memMessageStore is an in-memory MessageStore.
type memMessageStore struct {
	mu       sync.Mutex
	messages map[string][]domain.Message // conversation id -> ordered
	failNext bool
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{messages: map[string][]domain.Message{}}
}

func (s *memMessageStore) Append(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("append failed")
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *memMessageStore) MaxSeq(_ context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}

func (s *memMessageStore) AdvanceState(_ context.Context, conversationID string, seq int64, state domain.DeliveryState) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].Seq != seq {
			continue
		}
		if state.Rank() <= msgs[i].DeliveryState.Rank() {
			return "", false, nil
		}
		msgs[i].DeliveryState = state
		return msgs[i].SenderID, true, nil
	}
	return "", false, nil
}

func (s *memMessageStore) History(_ context.Context, conversationID string, limit int, beforeSeq *int64) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	out := make([]domain.Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeSeq != nil && msgs[i].Seq >= *beforeSeq {
			continue
		}
		out = append(out, msgs[i])
	}
	return out, nil
}

func (s *memMessageStore) stateOf(conversationID string, seq int64) domain.DeliveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[conversationID] {
		if m.Seq == seq {
			return m.DeliveryState
		}
	}
	return ""
}

// memMailbox is an in-memory MailboxStore.
type memMailbox struct {
	mu      sync.Mutex
	entries map[string][]domain.Message
}

func newMemMailbox() *memMailbox {
	return &memMailbox{entries: map[string][]domain.Message{}}
}

func (m *memMailbox) Append(_ context.Context, recipient string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[recipient] = append(m.entries[recipient], msg)
	return nil
}

func (m *memMailbox) Drain(_ context.Context, recipient string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.entries[recipient]
	delete(m.entries, recipient)
	return out, nil
}

func (m *memMailbox) size(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[recipient])
}

// memConversations is a fixed membership table.
type memConversations struct {
	participants map[string][]string
}

func (c *memConversations) Participants(_ context.Context, conversationID string) ([]string, error) {
	p, ok := c.participants[conversationID]
	if !ok {
		return []string{}, nil
	}
	return p, nil
}

// memDeduper is an in-memory Deduper.
type memDeduper struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemDeduper() *memDeduper {
	return &memDeduper{values: map[string]string{}}
}

func (d *memDeduper) Claim(_ context.Context, key string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.values[key]; ok {
		return existing, false, nil
	}
	d.values[key] = "pending"
	return "", true, nil
}

func (d *memDeduper) Record(_ context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = value
	return nil
}

func (d *memDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.values, key)
	return nil
}

// memPresenceStore is an in-memory PresenceStore.
type memPresenceStore struct {
	mu      sync.Mutex
	records map[string]domain.PresenceRecord
}

func newMemPresenceStore() *memPresenceStore {
	return &memPresenceStore{records: map[string]domain.PresenceRecord{}}
}

func (s *memPresenceStore) SetOnline(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.records[identity]
	record.Identity = identity
	record.Status = domain.PresenceOnline
	s.records[identity] = record
	return nil
}

func (s *memPresenceStore) SetOffline(_ context.Context, identity string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[identity] = domain.PresenceRecord{Identity: identity, Status: domain.PresenceOffline, LastSeen: lastSeen}
	return nil
}

func (s *memPresenceStore) Get(_ context.Context, identity string) (domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[identity]
	if !ok {
		return domain.PresenceRecord{Identity: identity, Status: domain.PresenceOffline}, nil
	}
	return record, nil
}

func (s *memPresenceStore) statusOf(identity string) domain.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[identity]
	if !ok {
		return domain.PresenceOffline
	}
	return record.Status
}

// memGraph is a fixed follower graph.
type memGraph struct {
	related map[string][]string
}

func (g *memGraph) Related(_ context.Context, identity string) ([]string, error) {
	return g.related[identity], nil
}

// memFeed is an in-memory FeedStore.
type memFeed struct {
	mu      sync.Mutex
	pending map[string][]domain.NotificationEvent
}

func newMemFeed() *memFeed {
	return &memFeed{pending: map[string][]domain.NotificationEvent{}}
}

func (f *memFeed) Append(_ context.Context, event domain.NotificationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[event.TargetID] = append(f.pending[event.TargetID], event)
	return nil
}

func (f *memFeed) DrainUndelivered(_ context.Context, identity string) ([]domain.NotificationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending[identity]
	delete(f.pending, identity)
	for i := range out {
		out[i].Delivered = true
	}
	return out, nil
}

func (f *memFeed) size(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[identity])
}

// fakeLimiter allows or drops every call.
type fakeLimiter struct {
	mu    sync.Mutex
	allow bool
	calls int
}

func (l *fakeLimiter) Allow(_ context.Context, _ string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.allow, nil
}
