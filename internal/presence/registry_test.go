package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_registerAndList(t *testing.T) {
	r := NewRegistry()
	alice, bob := uuid.New(), uuid.New()

	rec := r.Register(alice, "c1")
	assert.True(t, rec.Online)
	assert.Equal(t, alice, rec.Identity)
	assert.Nil(t, rec.LastSeenAt)

	r.Register(alice, "c2")
	r.Register(bob, "c3")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.ListOnline(alice))
	assert.ElementsMatch(t, []string{"c3"}, r.ListOnline(bob))
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, r.ListOnlineIdentities())
	assert.Empty(t, r.ListOnline(uuid.New()), "unknown identity has no connections")

	found, ok := r.FindByConnectionID("c3")
	require.True(t, ok)
	assert.Equal(t, bob, found.Identity)

	_, ok = r.FindByConnectionID(alice.String())
	assert.False(t, ok, "an identity is not a connection id")
}

func TestRegistry_lastOfflineOnly(t *testing.T) {
	r := NewRegistry()
	alice := uuid.New()
	r.Register(alice, "c1")
	r.Register(alice, "c2")

	rec, last, ok := r.Unregister("c1")
	require.True(t, ok)
	assert.False(t, last, "c2 is still online")
	assert.False(t, rec.Online)
	require.NotNil(t, rec.LastSeenAt)
	assert.True(t, r.IsOnline(alice))

	_, last, ok = r.Unregister("c2")
	require.True(t, ok)
	assert.True(t, last)
	assert.False(t, r.IsOnline(alice))
	assert.Empty(t, r.ListOnlineIdentities())
}

func TestRegistry_unregisterExactlyOnce(t *testing.T) {
	r := NewRegistry()
	alice := uuid.New()
	r.Register(alice, "c1")

	_, last, ok := r.Unregister("c1")
	require.True(t, ok)
	assert.True(t, last)

	_, last, ok = r.Unregister("c1")
	assert.False(t, ok, "second unregister is a no-op")
	assert.False(t, last)

	_, _, ok = r.Unregister("never-registered")
	assert.False(t, ok)

	_, ok = r.FindByConnectionID("c1")
	assert.False(t, ok, "offline records do not resolve as live connections")

	recs := r.records(alice)
	require.Len(t, recs, 1, "offline record is retained")
	assert.False(t, recs[0].Online)
}

func TestRegistry_prune(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	alice := uuid.New()
	r.Register(alice, "old")
	r.Register(alice, "live")
	r.Unregister("old")

	assert.Equal(t, 0, r.Prune(base.Add(-time.Minute)))
	assert.Equal(t, 1, r.Prune(base.Add(time.Minute)))
	assert.Len(t, r.records(alice), 1)
	assert.True(t, r.IsOnline(alice))
}

func TestRegistry_reRegisterSameConnection(t *testing.T) {
	r := NewRegistry()
	alice, bob := uuid.New(), uuid.New()
	r.Register(alice, "c1")
	r.Register(bob, "c1")

	assert.False(t, r.IsOnline(alice))
	assert.ElementsMatch(t, []string{"c1"}, r.ListOnline(bob))
}

// Online iff at least one registered connection has not been unregistered.
func TestRegistry_concurrentLifecycles(t *testing.T) {
	r := NewRegistry()
	users := make([]uuid.UUID, 8)
	for i := range users {
		users[i] = uuid.New()
	}

	const perUser = 25
	var wg sync.WaitGroup
	for ui, u := range users {
		for c := 0; c < perUser; c++ {
			wg.Add(1)
			go func(u uuid.UUID, connID string, keep bool) {
				defer wg.Done()
				r.Register(u, connID)
				_ = r.ListOnlineIdentities()
				if !keep {
					r.Unregister(connID)
				}
			}(u, fmt.Sprintf("u%d-c%d", ui, c), ui%2 == 0 && c == 0)
		}
	}
	wg.Wait()

	for ui, u := range users {
		if ui%2 == 0 {
			assert.Equal(t, []string{fmt.Sprintf("u%d-c0", ui)}, r.ListOnline(u))
			assert.True(t, r.IsOnline(u))
		} else {
			assert.Empty(t, r.ListOnline(u))
			assert.False(t, r.IsOnline(u))
		}
	}
	assert.Len(t, r.ListOnlineIdentities(), len(users)/2)
}

func TestRegistry_lockSerializesIdentity(t *testing.T) {
	r := NewRegistry()
	alice, bob := uuid.New(), uuid.New()

	unlock := r.Lock(alice)

	entered := make(chan struct{})
	go func() {
		release := r.Lock(alice)
		close(entered)
		release()
	}()

	// another identity is not blocked
	r.Lock(bob)()

	select {
	case <-entered:
		t.Fatal("second holder entered while the identity was locked")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second holder never entered")
	}

	require.Eventually(t, func() bool {
		r.locksMu.Lock()
		defer r.locksMu.Unlock()
		return len(r.locks) == 0
	}, time.Second, 5*time.Millisecond, "released locks are dropped")
}
