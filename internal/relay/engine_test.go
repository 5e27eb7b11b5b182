package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalix/chat/internal/event"
	"github.com/signalix/chat/internal/metrics"
	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/presence"
	"github.com/signalix/chat/internal/repo"
)

type push struct {
	conn    string // set for direct pushes
	group   string // set for group pushes; "*" for broadcast
	event   string
	payload any
}

type fakePusher struct {
	mu        sync.Mutex
	pushes    []push
	fail      map[string]bool
	groupSize map[string]int
	everyone  int
}

func newFakePusher() *fakePusher {
	return &fakePusher{fail: map[string]bool{}, groupSize: map[string]int{}}
}

func (p *fakePusher) PushTo(connID, name string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[connID] {
		return fmt.Errorf("push to %s: boom", connID)
	}
	p.pushes = append(p.pushes, push{conn: connID, event: name, payload: payload})
	return nil
}

func (p *fakePusher) PushToGroup(group, name string, payload any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{group: group, event: name, payload: payload})
	return p.groupSize[group], nil
}

func (p *fakePusher) Broadcast(name string, payload any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{group: "*", event: name, payload: payload})
	return p.everyone, nil
}

// events returns the event names pushed directly to a connection, in order
func (p *fakePusher) events(conn string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ps := range p.pushes {
		if ps.conn == conn {
			out = append(out, ps.event)
		}
	}
	return out
}

func (p *fakePusher) find(conn, name string) (push, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ps := range p.pushes {
		if ps.conn == conn && ps.event == name {
			return ps, true
		}
	}
	return push{}, false
}

func (p *fakePusher) groupPushes() []push {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []push
	for _, ps := range p.pushes {
		if ps.group != "" {
			out = append(out, ps)
		}
	}
	return out
}

type fakeStore struct {
	mu          sync.Mutex
	msgs        map[uuid.UUID]model.Message
	createErr   error
	onDelivered func(id uuid.UUID)
	readCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: map[uuid.UUID]model.Message{}}
}

func (s *fakeStore) Create(_ context.Context, in repo.NewMessage) (model.Message, error) {
	if s.createErr != nil {
		return model.Message{}, s.createErr
	}
	msg := model.Message{
		ID:        uuid.New(),
		FromID:    in.FromID,
		ToID:      in.ToID,
		Text:      in.Text,
		Image:     in.Image,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.msgs[msg.ID] = msg
	s.mu.Unlock()
	return msg, nil
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return model.Message{}, repo.ErrNotFound
	}
	return msg, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id uuid.UUID) error {
	if s.onDelivered != nil {
		s.onDelivered(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.msgs[id]
	msg.Delivered = true
	s.msgs[id] = msg
	return nil
}

func (s *fakeStore) MarkRead(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	msg := s.msgs[id]
	if msg.Read {
		return false, nil
	}
	msg.Read = true
	s.msgs[id] = msg
	return true, nil
}

func (s *fakeStore) get(id uuid.UUID) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[id]
}

type fakeDirectory map[uuid.UUID]model.User

func (d fakeDirectory) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error) {
	out := make(map[uuid.UUID]model.User)
	for _, id := range ids {
		if u, ok := d[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type fixture struct {
	reg     *presence.Registry
	pusher  *fakePusher
	store   *fakeStore
	dir     fakeDirectory
	metrics *metrics.Metrics
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		reg:     presence.NewRegistry(),
		pusher:  newFakePusher(),
		store:   newFakeStore(),
		dir:     fakeDirectory{},
		metrics: metrics.New(),
	}
	f.engine = NewEngine(f.reg, f.pusher, f.store, f.dir, f.metrics, zaptest.NewLogger(t))
	return f
}

func (f *fixture) user(name string) model.User {
	u := model.User{ID: uuid.New(), Name: name, Avatar: json.RawMessage(`"https://cdn.example/` + name + `.png"`)}
	f.dir[u.ID] = u
	return u
}

func TestDeliverToIdentity_eachConnectionOnce(t *testing.T) {
	f := newFixture(t)
	bob := uuid.New()
	f.reg.Register(bob, "b1")
	f.reg.Register(bob, "b2")
	f.reg.Register(bob, "b3")

	rep := f.engine.DeliverToIdentity(context.Background(), bob, event.Typing, event.TypingPayload{From: "x"})

	assert.Equal(t, Report{Direct: 3}, rep)
	for _, c := range []string{"b1", "b2", "b3"} {
		assert.Equal(t, []string{event.Typing}, f.pusher.events(c))
	}
	assert.Empty(t, f.pusher.groupPushes(), "no fallback when connections are known")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.PushCounter(event.Typing, metrics.ResultDelivered)))
}

func TestDeliverToIdentity_fallsBackToGroup(t *testing.T) {
	f := newFixture(t)
	carol := uuid.New()
	f.pusher.groupSize[carol.String()] = 1

	rep := f.engine.DeliverToIdentity(context.Background(), carol, event.Typing, nil)

	assert.Equal(t, Report{Fallback: 1}, rep)
	groups := f.pusher.groupPushes()
	require.Len(t, groups, 1)
	assert.Equal(t, carol.String(), groups[0].group)
	for _, ps := range f.pusher.pushes {
		assert.Empty(t, ps.conn, "no individual connection is targeted")
	}
}

func TestDeliverToIdentity_isolatesFailures(t *testing.T) {
	f := newFixture(t)
	bob := uuid.New()
	f.reg.Register(bob, "b1")
	f.reg.Register(bob, "b2")
	f.pusher.fail["b1"] = true

	rep := f.engine.DeliverToIdentity(context.Background(), bob, event.Typing, nil)

	assert.Equal(t, Report{Direct: 1, Failed: 1}, rep)
	assert.Equal(t, []string{event.Typing}, f.pusher.events("b2"))
}

func TestDeliverToTarget_resolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := uuid.New()
	f.reg.Register(bob, "b1")
	f.reg.Register(bob, "b2")

	rep := f.engine.DeliverToTarget(ctx, "b2", event.CallAccepted, nil)
	assert.Equal(t, Report{Direct: 1}, rep)
	assert.Empty(t, f.pusher.events("b1"), "a connection id targets only that connection")
	assert.Equal(t, []string{event.CallAccepted}, f.pusher.events("b2"))

	rep = f.engine.DeliverToTarget(ctx, bob.String(), event.CallDeclined, nil)
	assert.Equal(t, Report{Direct: 2}, rep)

	rep = f.engine.DeliverToTarget(ctx, "lobby", event.Typing, nil)
	assert.Equal(t, Report{}, rep)
	groups := f.pusher.groupPushes()
	require.Len(t, groups, 1)
	assert.Equal(t, "lobby", groups[0].group)
}

func TestSendMessage_directToMultiConnectionRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user("alice"), f.user("bob")
	f.reg.Register(alice.ID, "a1")
	f.reg.Register(bob.ID, "b1")
	f.reg.Register(bob.ID, "b2")

	f.store.onDelivered = func(uuid.UUID) {
		// delivered is only flipped once the recipient push has been queued
		_, ok := f.pusher.find("b1", event.MessageReceived)
		assert.True(t, ok)
		_, ok = f.pusher.find("b2", event.MessageReceived)
		assert.True(t, ok)
	}

	to := bob.ID
	msg, err := f.engine.SendMessage(ctx, "a1", SendRequest{From: alice, To: &to, Text: "hi", TempID: "tmp-1"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Delivered)
	assert.True(t, f.store.get(msg.ID).Delivered)

	for _, c := range []string{"b1", "b2"} {
		ps, ok := f.pusher.find(c, event.MessageReceived)
		require.True(t, ok, c)
		env := ps.payload.(event.MessageEnvelope)
		assert.Equal(t, msg.ID.String(), env.Message.ID)
		assert.Equal(t, "tmp-1", env.Message.TempID)
		assert.Equal(t, "hi", env.Message.Text)
		require.NotNil(t, env.Message.From)
		assert.Equal(t, alice.ID.String(), env.Message.From.ID)
	}

	assert.Equal(t,
		[]string{event.MessageReceived, event.MessageDelivered, event.MessageSent},
		f.pusher.events("a1"))

	ps, _ := f.pusher.find("a1", event.MessageDelivered)
	assert.Equal(t, msg.ID.String(), ps.payload.(event.DeliveredPayload).ID)

	ps, _ = f.pusher.find("a1", event.MessageSent)
	sent := ps.payload.(event.MessageEnvelope).Message
	assert.Equal(t, "tmp-1", sent.TempID)
	assert.True(t, sent.Delivered)
}

func TestSendMessage_offlineRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, carol := f.user("alice"), f.user("carol")
	f.reg.Register(alice.ID, "a1")
	f.store.onDelivered = func(uuid.UUID) { t.Error("offline recipient must not be marked delivered") }

	to := carol.ID
	msg, err := f.engine.SendMessage(ctx, "a1", SendRequest{From: alice, To: &to, Text: "are you there"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.False(t, f.store.get(msg.ID).Delivered)

	groups := f.pusher.groupPushes()
	require.Len(t, groups, 1)
	assert.Equal(t, carol.ID.String(), groups[0].group)
	assert.Equal(t, event.MessageReceived, groups[0].event)

	assert.Equal(t, []string{event.MessageReceived, event.MessageSent}, f.pusher.events("a1"))
}

func TestSendMessage_echoesToSenderTabs(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	f.reg.Register(alice.ID, "tab1")
	f.reg.Register(alice.ID, "tab2")
	f.reg.Register(bob.ID, "b1")

	to := bob.ID
	msg, err := f.engine.SendMessage(context.Background(), "tab1", SendRequest{From: alice, To: &to, Text: "hello"})
	require.NoError(t, err)

	ps, ok := f.pusher.find("tab2", event.MessageReceived)
	require.True(t, ok)
	assert.Equal(t, msg.ID.String(), ps.payload.(event.MessageEnvelope).Message.ID)
	assert.NotContains(t, f.pusher.events("tab2"), event.MessageSent, "the ack goes to the origin only")
}

func TestSendMessage_toSelfIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	f.reg.Register(alice.ID, "a1")

	to := alice.ID
	_, err := f.engine.SendMessage(context.Background(), "a1", SendRequest{From: alice, To: &to, Text: "note"})
	require.NoError(t, err)

	received := 0
	for _, name := range f.pusher.events("a1") {
		if name == event.MessageReceived {
			received++
		}
	}
	assert.Equal(t, 1, received)
}

func TestSendMessage_unaddressedIsBroadcast(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	f.reg.Register(alice.ID, "a1")
	f.pusher.everyone = 4

	msg, err := f.engine.SendMessage(context.Background(), "a1", SendRequest{From: alice, Text: "hello all"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Nil(t, msg.ToID)

	groups := f.pusher.groupPushes()
	require.Len(t, groups, 1)
	assert.Equal(t, "*", groups[0].group)
	assert.Nil(t, groups[0].payload.(event.MessageEnvelope).Message.To)
	assert.Equal(t, []string{event.MessageSent}, f.pusher.events("a1"))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.PushCounter(event.MessageReceived, metrics.ResultBroadcast)))
}

func TestSendMessage_malformedIsIgnored(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	f.reg.Register(alice.ID, "a1")

	msg, err := f.engine.SendMessage(context.Background(), "a1", SendRequest{From: alice})
	assert.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = f.engine.SendMessage(context.Background(), "a1", SendRequest{
		From:  alice,
		Text:  "both",
		Image: &model.Image{URL: "/media/chat/x.png"},
	})
	assert.NoError(t, err)
	assert.Nil(t, msg)

	assert.Empty(t, f.pusher.pushes)
	assert.Empty(t, f.store.msgs)
}

func TestSendMessage_textIsTrimmed(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	f.reg.Register(alice.ID, "a1")

	to := bob.ID
	msg, err := f.engine.SendMessage(context.Background(), "a1", SendRequest{From: alice, To: &to, Text: "  hi bob \n"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hi bob", f.store.get(msg.ID).Text)

	ps, ok := f.pusher.find("a1", event.MessageSent)
	require.True(t, ok)
	assert.Equal(t, "hi bob", ps.payload.(event.MessageEnvelope).Message.Text)

	msg, err = f.engine.SendMessage(context.Background(), "a1", SendRequest{From: alice, To: &to, Text: " \t "})
	assert.NoError(t, err)
	assert.Nil(t, msg, "blank text is not a message")
}

func TestSendMessage_imageAndRESTOrigin(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	f.reg.Register(bob.ID, "b1")

	to := bob.ID
	img := &model.Image{URL: "/media/chat/a.webp", StorageID: "chat/a", Bytes: 10, Width: 2, Height: 3, Format: "webp"}
	msg, err := f.engine.SendMessage(context.Background(), "", SendRequest{From: alice, To: &to, Image: img})
	require.NoError(t, err)
	require.NotNil(t, msg)

	ps, ok := f.pusher.find("b1", event.MessageReceived)
	require.True(t, ok)
	assert.JSONEq(t,
		`{"url":"/media/chat/a.webp","public_id":"chat/a","bytes":10,"width":2,"height":3,"format":"webp"}`,
		string(ps.payload.(event.MessageEnvelope).Message.Image))

	for _, p := range f.pusher.pushes {
		assert.NotEqual(t, event.MessageSent, p.event, "no ack without an originating connection")
	}
}

func TestSendMessage_storageFailure(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	f.reg.Register(bob.ID, "b1")
	f.store.createErr = errors.New("disk full")

	to := bob.ID
	msg, err := f.engine.SendMessage(context.Background(), "a1", SendRequest{From: alice, To: &to, Text: "hi"})
	require.Error(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, f.pusher.pushes)
}

func TestMarkRead_notifiesSenderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user("alice"), f.user("bob")
	f.reg.Register(alice.ID, "a1")

	to := bob.ID
	msg, err := f.engine.SendMessage(ctx, "", SendRequest{From: alice, To: &to, Text: "read me"})
	require.NoError(t, err)

	require.NoError(t, f.engine.MarkRead(ctx, bob.ID, []uuid.UUID{msg.ID}))
	require.NoError(t, f.engine.MarkRead(ctx, bob.ID, []uuid.UUID{msg.ID}))

	assert.True(t, f.store.get(msg.ID).Read)
	reads := 0
	for _, name := range f.pusher.events("a1") {
		if name == event.MessageRead {
			reads++
		}
	}
	assert.Equal(t, 1, reads)

	ps, ok := f.pusher.find("a1", event.MessageRead)
	require.True(t, ok)
	assert.Equal(t, msg.ID.String(), ps.payload.(event.ReadPayload).ID)
}

func TestMarkRead_skipsUnknownAndForeign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, mallory := f.user("alice"), f.user("bob"), f.user("mallory")
	f.reg.Register(alice.ID, "a1")

	to := bob.ID
	msg, err := f.engine.SendMessage(ctx, "", SendRequest{From: alice, To: &to, Text: "private"})
	require.NoError(t, err)

	err = f.engine.MarkRead(ctx, mallory.ID, []uuid.UUID{uuid.New(), msg.ID})
	require.NoError(t, err)

	assert.False(t, f.store.get(msg.ID).Read)
	assert.NotContains(t, f.pusher.events("a1"), event.MessageRead)
}

func TestNotifyTyping(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.New(), uuid.New()
	f.reg.Register(bob, "b1")

	rep := f.engine.NotifyTyping(context.Background(), alice, bob.String())
	assert.Equal(t, Report{Direct: 1}, rep)

	ps, ok := f.pusher.find("b1", event.Typing)
	require.True(t, ok)
	assert.Equal(t, event.TypingPayload{From: alice.String()}, ps.payload)
}

func TestPresenceBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user("alice")
	ghost := uuid.New()
	f.reg.Register(alice.ID, "a1")
	f.reg.Register(ghost, "g1")

	f.engine.UserOnline(ctx, alice)
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.engine.UserOffline(ctx, ghost, seen)

	groups := f.pusher.groupPushes()
	require.Len(t, groups, 2)
	online := groups[0].payload.(event.OnlineUser)
	assert.Equal(t, alice.ID.String(), online.UserID)
	require.NotNil(t, online.Name)
	assert.Equal(t, "alice", *online.Name)
	assert.Equal(t, event.OfflinePayload{UserID: ghost.String(), LastSeenAt: seen}, groups[1].payload)

	require.NoError(t, f.engine.SendOnlineUsers(ctx, "a1"))
	ps, ok := f.pusher.find("a1", event.OnlineUsers)
	require.True(t, ok)
	list := ps.payload.([]event.OnlineUser)
	require.Len(t, list, 2)

	byID := map[string]event.OnlineUser{}
	for _, u := range list {
		byID[u.UserID] = u
	}
	assert.Equal(t, "alice", *byID[alice.ID.String()].Name)
	assert.Nil(t, byID[ghost.String()].Name, "unknown users are listed without a name")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OnlineIdentities()))
}
