package service

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

const callShardCount = 16

// callEntry pairs the session with its timeout timer. The timer covers
// the ringing and negotiating phases; it is re-armed on accept and
// disarmed once the call is active or ended.
type callEntry struct {
	session domain.CallSession
	timer   *time.Timer
}

type callShard struct {
	mu    sync.Mutex
	pairs map[string]*callEntry
}

// CallManager negotiates call setup and teardown between exactly two
// identities. It relays negotiation payloads verbatim and never
// interprets them. At most one non-ended session exists per unordered
// identity pair; state is sharded by pair so unrelated calls never
// contend.
type CallManager struct {
	registry *Registry
	shards   [callShardCount]callShard

	idMu sync.RWMutex
	byID map[string]string // call id -> pair key

	ringTimeout      time.Duration
	negotiateTimeout time.Duration
}

func NewCallManager(registry *Registry, ringTimeout, negotiateTimeout time.Duration) *CallManager {
	m := &CallManager{
		registry:         registry,
		byID:             map[string]string{},
		ringTimeout:      ringTimeout,
		negotiateTimeout: negotiateTimeout,
	}
	for i := range m.shards {
		m.shards[i].pairs = map[string]*callEntry{}
	}
	return m
}

func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

func (m *CallManager) shardFor(key string) *callShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%callShardCount]
}

type incomingCallEvent struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
}

type callEndEvent struct {
	CallID string               `json:"call_id"`
	Reason domain.CallEndReason `json:"reason"`
}

type callAcceptEvent struct {
	CallID string `json:"call_id"`
}

type callSignalEvent struct {
	CallID  string          `json:"call_id"`
	FromID  string          `json:"from_id"`
	Payload json.RawMessage `json:"payload"`
}

// Initiate creates a session in ringing and relays call:incoming to the
// callee. A callee with no live connection ends the session immediately
// with reason unreachable.
func (m *CallManager) Initiate(caller, callee string) (domain.CallSession, error) {
	key := pairKey(caller, callee)
	shard := m.shardFor(key)

	shard.mu.Lock()
	if existing, ok := shard.pairs[key]; ok && existing.session.State != domain.CallEnded {
		shard.mu.Unlock()
		return domain.CallSession{}, domain.ErrAlreadyInCall
	}

	session := domain.CallSession{
		ID:        uuid.NewString(),
		CallerID:  caller,
		CalleeID:  callee,
		State:     domain.CallRinging,
		StartedAt: time.Now().UTC(),
	}
	entry := &callEntry{session: session}
	shard.pairs[key] = entry

	if !m.registry.HasConnections(callee) {
		entry.session.State = domain.CallEnded
		entry.session.EndReason = domain.ReasonUnreachable
		entry.session.EndedAt = time.Now().UTC()
		session = entry.session
		delete(shard.pairs, key)
		shard.mu.Unlock()
		commonlog.Infof("event=call action=initiate status=unreachable call_id=%s caller=%s callee=%s", session.ID, caller, callee)
		return session, nil
	}

	// The id index must exist before the timer is armed; a timer firing
	// against an unindexed call would no-op in Terminate and leak the
	// pair slot.
	m.idMu.Lock()
	m.byID[session.ID] = key
	m.idMu.Unlock()

	callID := session.ID
	entry.timer = time.AfterFunc(m.ringTimeout, func() {
		m.Terminate(callID, domain.ReasonTimeout)
	})
	shard.mu.Unlock()

	if frame, err := encodeEvent(EventCallIncoming, incomingCallEvent{CallID: session.ID, CallerID: caller}); err == nil {
		m.registry.BroadcastToIdentity(callee, frame)
	}
	commonlog.Infof("event=call action=initiate status=ringing call_id=%s caller=%s callee=%s", session.ID, caller, callee)
	return session, nil
}

func (m *CallManager) lookup(callID string) (*callShard, string, bool) {
	m.idMu.RLock()
	key, ok := m.byID[callID]
	m.idMu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return m.shardFor(key), key, true
}

// Accept moves ringing -> negotiating and re-arms the timeout for the
// negotiation phase. Only the callee may accept.
func (m *CallManager) Accept(callID, identity string) (domain.CallSession, error) {
	shard, key, ok := m.lookup(callID)
	if !ok {
		return domain.CallSession{}, domain.ErrCallNotFound
	}

	shard.mu.Lock()
	entry, ok := shard.pairs[key]
	if !ok || entry.session.ID != callID {
		shard.mu.Unlock()
		return domain.CallSession{}, domain.ErrCallNotFound
	}
	if entry.session.CalleeID != identity {
		shard.mu.Unlock()
		return domain.CallSession{}, domain.ErrNotAParticipant
	}
	if entry.session.State != domain.CallRinging {
		session := entry.session
		shard.mu.Unlock()
		return session, domain.ErrInvalidTransition
	}
	entry.session.State = domain.CallNegotiating
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(m.negotiateTimeout, func() {
		m.Terminate(callID, domain.ReasonTimeout)
	})
	session := entry.session
	shard.mu.Unlock()

	if frame, err := encodeEvent(EventCallAccept, callAcceptEvent{CallID: callID}); err == nil {
		m.registry.BroadcastToIdentity(session.CallerID, frame)
	}
	commonlog.Infof("event=call action=accept call_id=%s", callID)
	return session, nil
}

// RelaySignal forwards an opaque negotiation payload to the other party.
// Valid only while negotiating or active.
func (m *CallManager) RelaySignal(callID, from string, payload json.RawMessage) error {
	shard, key, ok := m.lookup(callID)
	if !ok {
		return domain.ErrCallNotFound
	}

	shard.mu.Lock()
	entry, ok := shard.pairs[key]
	if !ok || entry.session.ID != callID {
		shard.mu.Unlock()
		return domain.ErrCallNotFound
	}
	if entry.session.State != domain.CallNegotiating && entry.session.State != domain.CallActive {
		shard.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	if !entry.session.Involves(from) {
		shard.mu.Unlock()
		return domain.ErrNotAParticipant
	}
	other := entry.session.Other(from)
	shard.mu.Unlock()

	frame, err := encodeEvent(EventCallSignal, callSignalEvent{CallID: callID, FromID: from, Payload: payload})
	if err != nil {
		return err
	}
	m.registry.BroadcastToIdentity(other, frame)
	return nil
}

// ConfirmActive moves negotiating -> active and disarms the timeout.
// Only a party to the call may confirm.
func (m *CallManager) ConfirmActive(callID, identity string) (domain.CallSession, error) {
	shard, key, ok := m.lookup(callID)
	if !ok {
		return domain.CallSession{}, domain.ErrCallNotFound
	}

	shard.mu.Lock()
	entry, ok := shard.pairs[key]
	if !ok || entry.session.ID != callID {
		shard.mu.Unlock()
		return domain.CallSession{}, domain.ErrCallNotFound
	}
	if !entry.session.Involves(identity) {
		shard.mu.Unlock()
		return domain.CallSession{}, domain.ErrNotAParticipant
	}
	if entry.session.State != domain.CallNegotiating {
		session := entry.session
		shard.mu.Unlock()
		return session, domain.ErrInvalidTransition
	}
	entry.session.State = domain.CallActive
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	session := entry.session
	shard.mu.Unlock()

	commonlog.Infof("event=call action=active call_id=%s", callID)
	return session, nil
}

// End is the client-facing teardown: only a party to the call may end
// or reject it. An unknown or already-ended call is a no-op so client
// retries stay silent.
func (m *CallManager) End(callID, identity string, reason domain.CallEndReason) error {
	session, ok := m.Get(callID)
	if !ok {
		return nil
	}
	if !session.Involves(identity) {
		return domain.ErrNotAParticipant
	}
	m.Terminate(callID, reason)
	return nil
}

// Terminate ends a session from any non-ended state and releases the
// pair slot so a new Initiate may succeed. Terminating an already-ended
// or unknown session is a no-op.
func (m *CallManager) Terminate(callID string, reason domain.CallEndReason) {
	shard, key, ok := m.lookup(callID)
	if !ok {
		return
	}

	shard.mu.Lock()
	entry, ok := shard.pairs[key]
	if !ok || entry.session.ID != callID || entry.session.State == domain.CallEnded {
		shard.mu.Unlock()
		return
	}
	entry.session.State = domain.CallEnded
	entry.session.EndReason = reason
	entry.session.EndedAt = time.Now().UTC()
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	session := entry.session
	delete(shard.pairs, key)
	shard.mu.Unlock()

	m.idMu.Lock()
	delete(m.byID, callID)
	m.idMu.Unlock()

	if frame, err := encodeEvent(EventCallEnd, callEndEvent{CallID: callID, Reason: reason}); err == nil {
		m.registry.BroadcastToIdentity(session.CallerID, frame)
		m.registry.BroadcastToIdentity(session.CalleeID, frame)
	}
	commonlog.Infof("event=call action=terminate call_id=%s reason=%s", callID, reason)
}

// Get returns the session for a live call.
func (m *CallManager) Get(callID string) (domain.CallSession, bool) {
	shard, key, ok := m.lookup(callID)
	if !ok {
		return domain.CallSession{}, false
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.pairs[key]
	if !ok || entry.session.ID != callID {
		return domain.CallSession{}, false
	}
	return entry.session, true
}

// OnConnect implements ChurnListener; connection arrival does not affect
// call state.
func (m *CallManager) OnConnect(conn *Connection, first bool) {}

// OnDisconnect force-terminates any call involving an identity whose
// last connection dropped.
func (m *CallManager) OnDisconnect(conn *Connection, last bool, at time.Time) {
	if !last {
		return
	}
	var ended []string
	for i := range m.shards {
		shard := &m.shards[i]
		shard.mu.Lock()
		for _, entry := range shard.pairs {
			if entry.session.State != domain.CallEnded && entry.session.Involves(conn.Identity) {
				ended = append(ended, entry.session.ID)
			}
		}
		shard.mu.Unlock()
	}
	for _, callID := range ended {
		m.Terminate(callID, domain.ReasonPeerDisconnected)
	}
}
