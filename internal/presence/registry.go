// Package presence tracks which identities are online through which connections.
//
// Online state is derived: an identity is online while at least one of its
// connection records is online. Records are keyed by connection, never by
// identity, so concurrent disconnects of the same user cannot race a single flag.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/chat/internal/model"
)

// Journal persists presence transitions for audit. The registry never calls it;
// the connection lifecycle does, after the in-memory state has changed.
type Journal interface {
	Connected(ctx context.Context, rec model.PresenceRecord) error
	Disconnected(ctx context.Context, rec model.PresenceRecord) error
}

// Registry is the process-wide connection directory. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*model.PresenceRecord
	byIdentity map[uuid.UUID]map[string]struct{} // online connection ids only
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[uuid.UUID]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[string]*model.PresenceRecord),
		byIdentity: make(map[uuid.UUID]map[string]struct{}),
		now:        time.Now,
		locks:      make(map[uuid.UUID]*identityLock),
	}
}

// Lock serializes online/offline transitions of one identity. Callers hold it
// from Register or Unregister until the transition has been persisted and
// announced, so a reconnect cannot interleave with the previous disconnect.
func (r *Registry) Lock(identity uuid.UUID) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[identity]
	if !ok {
		l = &identityLock{}
		r.locks[identity] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, identity)
		}
		r.locksMu.Unlock()
	}
}

// Register inserts an online record for the connection.
// Registering an id that is already known replaces the previous record.
func (r *Registry) Register(identity uuid.UUID, connectionID string) model.PresenceRecord {
	rec := &model.PresenceRecord{
		Identity:     identity,
		ConnectionID: connectionID,
		Online:       true,
		ConnectedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connectionID]; ok && prev.Online {
		r.removeOnlineLocked(prev.Identity, connectionID)
	}
	r.byConn[connectionID] = rec
	conns, ok := r.byIdentity[identity]
	if !ok {
		conns = make(map[string]struct{})
		r.byIdentity[identity] = conns
	}
	conns[connectionID] = struct{}{}
	return *rec
}

// Unregister marks the connection's record offline and stamps LastSeenAt.
// last reports whether no other online record remains for the identity.
// ok is false when the connection is unknown or already offline; the offline
// transition therefore happens exactly once per record.
func (r *Registry) Unregister(connectionID string) (rec model.PresenceRecord, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, found := r.byConn[connectionID]
	if !found || !cur.Online {
		return model.PresenceRecord{}, false, false
	}
	seen := r.now().UTC()
	cur.Online = false
	cur.LastSeenAt = &seen

	r.removeOnlineLocked(cur.Identity, connectionID)
	_, stillOnline := r.byIdentity[cur.Identity]
	return copyRecord(cur), !stillOnline, true
}

func (r *Registry) removeOnlineLocked(identity uuid.UUID, connectionID string) {
	conns := r.byIdentity[identity]
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(r.byIdentity, identity)
	}
}

// ListOnline returns the live connection ids of one identity. Empty is a valid result.
func (r *Registry) ListOnline(identity uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byIdentity[identity]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether the identity has at least one live connection
func (r *Registry) IsOnline(identity uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byIdentity[identity]
	return ok
}

// ListOnlineIdentities returns a deduplicated snapshot of online identities
func (r *Registry) ListOnlineIdentities() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	return out
}

// FindByConnectionID returns the record for a live connection
func (r *Registry) FindByConnectionID(connectionID string) (model.PresenceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byConn[connectionID]
	if !ok || !rec.Online {
		return model.PresenceRecord{}, false
	}
	return copyRecord(rec), true
}

// records returns every record of an identity, offline ones included
func (r *Registry) records(identity uuid.UUID) []model.PresenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.PresenceRecord
	for _, rec := range r.byConn {
		if rec.Identity == identity {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

// Prune drops offline records last seen before the cutoff and returns how many were removed
func (r *Registry) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.byConn {
		if !rec.Online && rec.LastSeenAt != nil && rec.LastSeenAt.Before(before) {
			delete(r.byConn, id)
			n++
		}
	}
	return n
}

// RunPruner prunes offline records older than retention every interval until ctx is done
func (r *Registry) RunPruner(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune(r.now().Add(-retention))
		}
	}
}

func copyRecord(rec *model.PresenceRecord) model.PresenceRecord {
	out := *rec
	if rec.LastSeenAt != nil {
		t := *rec.LastSeenAt
		out.LastSeenAt = &t
	}
	return out
}
