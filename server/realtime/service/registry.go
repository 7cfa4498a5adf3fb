package service

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

const registryShardCount = 32

// Sink is the write side of one live connection. Enqueue must not block:
// a full outbound queue or a closed socket returns an error and the
// registry evicts only that connection.
type Sink interface {
	Enqueue(frame []byte) error
	Shutdown()
}

// Connection is one live channel for an identity. An identity may hold
// many connections at once (multi-device).
type Connection struct {
	ID          string
	Identity    string
	Device      string
	ConnectedAt time.Time

	sink Sink
}

type DevicePolicy string

const (
	// PolicyAllowDuplicates keeps every connection a device opens.
	PolicyAllowDuplicates DevicePolicy = "allow"
	// PolicyEvictOldest closes the oldest connection of the same device
	// when a new one registers.
	PolicyEvictOldest DevicePolicy = "evict_oldest"
)

// ChurnListener observes register/unregister events. Presence and call
// signaling hang off these hooks.
type ChurnListener interface {
	OnConnect(conn *Connection, first bool)
	OnDisconnect(conn *Connection, last bool, at time.Time)
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Connection
}

// Registry tracks live connections sharded by identity so unrelated
// identities never contend on one lock.
type Registry struct {
	shards    [registryShardCount]registryShard
	policy    DevicePolicy
	mu        sync.RWMutex
	listeners []ChurnListener
	now       func() time.Time
}

func NewRegistry(policy DevicePolicy) *Registry {
	if policy != PolicyEvictOldest {
		policy = PolicyAllowDuplicates
	}
	r := &Registry{policy: policy, now: time.Now}
	for i := range r.shards {
		r.shards[i].conns = map[string]map[string]*Connection{}
	}
	return r
}

func (r *Registry) AddListener(l ChurnListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) shardFor(identity string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &r.shards[h.Sum32()%registryShardCount]
}

// Register adds a live connection. It fails with ErrDuplicateConnection
// only when the exact same sink is registered twice; a second device for
// the same identity always succeeds.
func (r *Registry) Register(identity, device string, sink Sink) (*Connection, error) {
	shard := r.shardFor(identity)

	conn := &Connection{
		ID:          uuid.NewString(),
		Identity:    identity,
		Device:      device,
		ConnectedAt: r.now(),
		sink:        sink,
	}

	var evicted []*Connection
	shard.mu.Lock()
	existing := shard.conns[identity]
	for _, c := range existing {
		if c.sink == sink {
			shard.mu.Unlock()
			return nil, domain.ErrDuplicateConnection
		}
	}
	if r.policy == PolicyEvictOldest && device != "" {
		for _, c := range existing {
			if c.Device == device {
				evicted = append(evicted, c)
			}
		}
	}
	first := len(existing) == 0
	if existing == nil {
		existing = map[string]*Connection{}
		shard.conns[identity] = existing
	}
	existing[conn.ID] = conn
	shard.mu.Unlock()

	for _, l := range r.snapshotListeners() {
		l.OnConnect(conn, first)
	}

	for _, c := range evicted {
		commonlog.Infof("event=registry action=evict_duplicate_device identity=%s device=%s connection_id=%s", identity, device, c.ID)
		r.Unregister(c)
		c.sink.Shutdown()
	}
	return conn, nil
}

// Unregister removes a connection. Idempotent: a connection already gone
// is a no-op. When the identity's last connection drops, listeners see
// last=true with the drop time as last-seen.
func (r *Registry) Unregister(conn *Connection) {
	shard := r.shardFor(conn.Identity)

	shard.mu.Lock()
	existing, ok := shard.conns[conn.Identity]
	if !ok {
		shard.mu.Unlock()
		return
	}
	if _, ok := existing[conn.ID]; !ok {
		shard.mu.Unlock()
		return
	}
	delete(existing, conn.ID)
	last := len(existing) == 0
	if last {
		delete(shard.conns, conn.Identity)
	}
	shard.mu.Unlock()

	at := r.now()
	for _, l := range r.snapshotListeners() {
		l.OnDisconnect(conn, last, at)
	}
}

// ConnectionsFor returns the connection IDs currently live for an
// identity. Offline identities yield an empty set, never an error.
func (r *Registry) ConnectionsFor(identity string) []string {
	shard := r.shardFor(identity)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	existing := shard.conns[identity]
	ids := make([]string, 0, len(existing))
	for id := range existing {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) HasConnections(identity string) bool {
	shard := r.shardFor(identity)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.conns[identity]) > 0
}

// BroadcastToIdentity pushes a frame to every live connection of the
// identity, best-effort. A dead or backlogged connection is evicted
// without aborting delivery to its siblings. Returns the number of
// connections the frame was queued on.
func (r *Registry) BroadcastToIdentity(identity string, frame []byte) int {
	shard := r.shardFor(identity)
	shard.mu.RLock()
	existing := shard.conns[identity]
	targets := make([]*Connection, 0, len(existing))
	for _, c := range existing {
		targets = append(targets, c)
	}
	shard.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.sink.Enqueue(frame); err != nil {
			commonlog.Warnf("event=registry action=broadcast status=evict identity=%s connection_id=%s error=%v", identity, c.ID, err)
			r.Unregister(c)
			c.sink.Shutdown()
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) snapshotListeners() []ChurnListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChurnListener, len(r.listeners))
	copy(out, r.listeners)
	return out
}
