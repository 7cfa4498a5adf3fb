package service

import (
	"context"
	"sync"
	"time"

	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

// PresenceStore persists PresenceRecord projections.
type PresenceStore interface {
	SetOnline(ctx context.Context, identity string) error
	SetOffline(ctx context.Context, identity string, lastSeen time.Time) error
	Get(ctx context.Context, identity string) (domain.PresenceRecord, error)
}

// FollowerGraph is the external social-graph collaborator: identities
// that follow or are followed by the given one.
type FollowerGraph interface {
	Related(ctx context.Context, identity string) ([]string, error)
}

// PresenceTracker is a pure projection of registry churn. An identity is
// online iff it has at least one live connection. Rapid disconnect and
// reconnect flaps are absorbed by holding the offline transition for a
// grace window and canceling it when a new connection arrives in time.
type PresenceTracker struct {
	store    PresenceStore
	graph    FollowerGraph
	registry *Registry
	grace    time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewPresenceTracker(store PresenceStore, graph FollowerGraph, registry *Registry, grace time.Duration) *PresenceTracker {
	return &PresenceTracker{
		store:    store,
		graph:    graph,
		registry: registry,
		grace:    grace,
		pending:  map[string]*time.Timer{},
	}
}

func (t *PresenceTracker) OnConnect(conn *Connection, first bool) {
	flapping := t.cancelPending(conn.Identity)
	if !first && !flapping {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.SetOnline(ctx, conn.Identity); err != nil {
		commonlog.Errorf("event=presence action=set_online status=failed identity=%s error=%v", conn.Identity, err)
	}
	if flapping {
		// Offline was never emitted, so followers still see online.
		return
	}
	t.fanout(ctx, domain.PresenceRecord{
		Identity: conn.Identity,
		Status:   domain.PresenceOnline,
		LastSeen: conn.ConnectedAt,
	})
}

func (t *PresenceTracker) OnDisconnect(conn *Connection, last bool, at time.Time) {
	if !last {
		return
	}
	identity := conn.Identity

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.pending[identity]; ok {
		old.Stop()
	}
	t.pending[identity] = time.AfterFunc(t.grace, func() {
		t.emitOffline(identity, at)
	})
}

func (t *PresenceTracker) emitOffline(identity string, lastSeen time.Time) {
	t.mu.Lock()
	delete(t.pending, identity)
	t.mu.Unlock()

	// A connection may have slipped in between the timer firing and this
	// running; the projection invariant wins over the stale timer.
	if t.registry.HasConnections(identity) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.SetOffline(ctx, identity, lastSeen); err != nil {
		commonlog.Errorf("event=presence action=set_offline status=failed identity=%s error=%v", identity, err)
	}
	t.fanout(ctx, domain.PresenceRecord{
		Identity: identity,
		Status:   domain.PresenceOffline,
		LastSeen: lastSeen,
	})
}

// cancelPending reports whether an offline emission was still being held
// for the identity.
func (t *PresenceTracker) cancelPending(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[identity]
	if !ok {
		return false
	}
	delete(t.pending, identity)
	return timer.Stop()
}

func (t *PresenceTracker) fanout(ctx context.Context, record domain.PresenceRecord) {
	related, err := t.graph.Related(ctx, record.Identity)
	if err != nil {
		commonlog.Errorf("event=presence action=fanout status=failed identity=%s error=%v", record.Identity, err)
		return
	}
	frame, err := encodeEvent(EventPresenceChanged, record)
	if err != nil {
		return
	}
	total := 0
	for _, other := range related {
		total += t.registry.BroadcastToIdentity(other, frame)
	}
	commonlog.Debugf("event=presence action=fanout identity=%s status=%s fanout_count=%d", record.Identity, record.Status, total)
}

// Snapshot serves presence:subscribe with current records.
func (t *PresenceTracker) Snapshot(ctx context.Context, identities []string) ([]domain.PresenceRecord, error) {
	records := make([]domain.PresenceRecord, 0, len(identities))
	for _, identity := range identities {
		record, err := t.store.Get(ctx, identity)
		if err != nil {
			return nil, err
		}
		// Live registry state overrides a record that lags behind churn.
		if t.registry.HasConnections(identity) {
			record.Status = domain.PresenceOnline
		}
		record.Identity = identity
		records = append(records, record)
	}
	return records, nil
}
