package group

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/identity"
	"github.com/fatihtunali/whisper2-sub005/internal/push"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/router"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSink) Enqueue(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSink) CloseWith(int, string) {}

func (f *fakeSink) byType(t *testing.T, frameType string) []json.RawMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, b := range f.frames {
		var fr wire.Frame
		require.NoError(t, json.Unmarshal(b, &fr))
		if fr.Type == frameType {
			out = append(out, fr.Payload)
		}
	}
	return out
}

type fakeWaker struct {
	mu    sync.Mutex
	wakes []string
}

func (f *fakeWaker) Wake(_ context.Context, req push.WakeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes = append(f.wakes, req.WhisperID+"/"+req.Reason)
	return nil
}

type user struct {
	id   string
	priv ed25519.PrivateKey
}

type fixture struct {
	svc   *Service
	reg   *registry.Registry
	dur   store.DurableStore
	clk   *clock.Fake
	waker *fakeWaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	vol := volatile.NewMemory(clk)
	dur := store.NewMemory()
	reg := registry.New(vol, clk, zerolog.Nop())
	waker := &fakeWaker{}
	rt := router.New(dur, reg, waker, clk, zerolog.Nop())
	return &fixture{
		svc:   NewService(dur, reg, rt, waker, clk, zerolog.Nop()),
		reg:   reg,
		dur:   dur,
		clk:   clk,
		waker: waker,
	}
}

func (f *fixture) addUser(t *testing.T) user {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := identity.Derive(pub)
	_, err = f.dur.RegisterDevice(context.Background(), store.RegisterParams{
		Account: store.Account{
			WhisperID: id, EncPublicKey: make([]byte, 32), SignPublicKey: []byte(pub),
			CreatedAt: f.clk.Now(), Status: store.AccountActive,
		},
		Session: store.Session{
			Token: "tok-" + id, WhisperID: id, DeviceID: "d", Platform: "android",
			CreatedAt: f.clk.Now(), ExpiresAt: f.clk.Now().Add(time.Hour),
		},
		Push: store.PushTarget{WhisperID: id, DeviceID: "d", Platform: "android", UpdatedAt: f.clk.Now()},
	})
	require.NoError(t, err)
	return user{id: id, priv: priv}
}

func (f *fixture) connect(t *testing.T, u user) *fakeSink {
	t.Helper()
	sink := &fakeSink{}
	f.reg.Add("conn-"+u.id, sink)
	f.reg.Bind(context.Background(), "conn-"+u.id, u.id)
	return sink
}

func (f *fixture) createGroup(t *testing.T, owner user, members ...user) string {
	t.Helper()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.id
	}
	event, err := f.svc.Create(context.Background(), owner.id, &wire.GroupCreate{
		Title: "friends", MemberIDs: ids,
	})
	require.NoError(t, err)
	return event.Group.GroupID
}

func (f *fixture) envelope(sender user, groupID, messageID, to string, ts int64) wire.Envelope {
	nonce := wire.B64(make([]byte, 24))
	ct := wire.B64([]byte("ct-for-" + to))
	canonical := wire.Canonical("text", messageID, sender.id, to, ts, nonce, ct)
	return wire.Envelope{
		To:         to,
		Nonce:      nonce,
		Ciphertext: ct,
		Sig:        wire.B64(wire.SignCanonical(sender.priv, canonical)),
	}
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addUser(t), f.addUser(t), f.addUser(t)
	bSink := f.connect(t, b)

	event, err := f.svc.Create(context.Background(), a.id, &wire.GroupCreate{
		Title: "friends", MemberIDs: []string{b.id, c.id, "WSP-AAAA-AAAA-AAAA"},
	})
	require.NoError(t, err)
	assert.Equal(t, EventCreated, event.Event)
	assert.Equal(t, a.id, event.Group.OwnerID)
	assert.Len(t, event.Group.Members, 3, "unknown ids are dropped")

	roles := map[string]string{}
	for _, m := range event.Group.Members {
		roles[m.WhisperID] = m.Role
	}
	assert.Equal(t, store.RoleOwner, roles[a.id])
	assert.Equal(t, store.RoleMember, roles[b.id])

	assert.Len(t, bSink.byType(t, wire.TypeGroupEvent), 1, "live members get the created event")
}

func TestFanOutDeliversPerRecipientEnvelopes(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addUser(t), f.addUser(t), f.addUser(t)
	gid := f.createGroup(t, a, b, c)
	bSink := f.connect(t, b)

	ts := clock.Millis(f.clk.Now())
	ack, err := f.svc.Send(context.Background(), a.id, &wire.GroupSendMessage{
		GroupID:   gid,
		MessageID: "gm1",
		From:      a.id,
		MsgType:   "text",
		Timestamp: ts,
		Recipients: []wire.Envelope{
			f.envelope(a, gid, "gm1", b.id, ts),
			f.envelope(a, gid, "gm1", c.id, ts),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "gm1", ack.MessageID)

	// B is live: gets its own envelope.
	got := bSink.byType(t, wire.TypeMessageReceived)
	require.Len(t, got, 1)
	var m wire.MessageReceived
	require.NoError(t, json.Unmarshal(got[0], &m))
	assert.Equal(t, b.id, m.To)
	assert.Equal(t, gid, m.GroupID)
	assert.Contains(t, m.Ciphertext, wire.B64([]byte("ct-for-"+b.id)))

	// C is offline: queued and woken.
	assert.Equal(t, []string{c.id + "/message"}, f.waker.wakes)
	page, err := router.New(f.dur, f.reg, f.waker, f.clk, zerolog.Nop()).
		FetchPending(context.Background(), c.id, &wire.FetchPending{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "gm1", page.Messages[0].MessageID)
	assert.Equal(t, gid, page.Messages[0].GroupID)
}

func TestSendRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	a, b := f.addUser(t), f.addUser(t)
	outsider := f.addUser(t)
	gid := f.createGroup(t, a, b)

	ts := clock.Millis(f.clk.Now())
	_, err := f.svc.Send(context.Background(), outsider.id, &wire.GroupSendMessage{
		GroupID: gid, MessageID: "gm1", From: outsider.id, MsgType: "text", Timestamp: ts,
		Recipients: []wire.Envelope{f.envelope(outsider, gid, "gm1", b.id, ts)},
	})
	require.Error(t, err)
	assert.Equal(t, wire.CodeForbidden, wire.AsError(err).Code)
}

func TestSendDropsEnvelopesForDepartedMembers(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addUser(t), f.addUser(t), f.addUser(t)
	gid := f.createGroup(t, a, b, c)

	_, err := f.svc.Update(context.Background(), a.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionRemoveMember, MemberID: c.id,
	})
	require.NoError(t, err)

	ts := clock.Millis(f.clk.Now())
	_, err = f.svc.Send(context.Background(), a.id, &wire.GroupSendMessage{
		GroupID: gid, MessageID: "gm1", From: a.id, MsgType: "text", Timestamp: ts,
		Recipients: []wire.Envelope{
			f.envelope(a, gid, "gm1", b.id, ts),
			f.envelope(a, gid, "gm1", c.id, ts), // stale roster on the sender
		},
	})
	require.NoError(t, err)

	rt := router.New(f.dur, f.reg, f.waker, f.clk, zerolog.Nop())
	page, err := rt.FetchPending(context.Background(), c.id, &wire.FetchPending{})
	require.NoError(t, err)
	assert.Empty(t, page.Messages, "departed member gets nothing")

	page, err = rt.FetchPending(context.Background(), b.id, &wire.FetchPending{})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestSendRejectsBadEnvelopeSignature(t *testing.T) {
	f := newFixture(t)
	a, b := f.addUser(t), f.addUser(t)
	gid := f.createGroup(t, a, b)

	ts := clock.Millis(f.clk.Now())
	env := f.envelope(a, gid, "gm1", b.id, ts)
	env.Ciphertext = wire.B64([]byte("tampered"))
	_, err := f.svc.Send(context.Background(), a.id, &wire.GroupSendMessage{
		GroupID: gid, MessageID: "gm1", From: a.id, MsgType: "text", Timestamp: ts,
		Recipients: []wire.Envelope{env},
	})
	require.Error(t, err)
	assert.Equal(t, wire.CodeInvalidSignature, wire.AsError(err).Code)
}

func TestMemberCap(t *testing.T) {
	f := newFixture(t)
	a := f.addUser(t)
	gid := f.createGroup(t, a)
	ctx := context.Background()

	// Fill to the cap of 256 active members (owner counts).
	for i := 0; i < 255; i++ {
		u := user{id: fmt.Sprintf("WSP-FILL-%04d", i)}
		_, err := f.dur.RegisterDevice(ctx, store.RegisterParams{
			Account: store.Account{WhisperID: u.id, EncPublicKey: make([]byte, 32),
				SignPublicKey: []byte(fmt.Sprintf("key-%04d-pad-to-32-bytes......", i)),
				CreatedAt:     f.clk.Now(), Status: store.AccountActive},
			Session: store.Session{Token: "t-" + u.id, WhisperID: u.id, DeviceID: "d", Platform: "android",
				CreatedAt: f.clk.Now(), ExpiresAt: f.clk.Now().Add(time.Hour)},
			Push: store.PushTarget{WhisperID: u.id, DeviceID: "d", Platform: "android", UpdatedAt: f.clk.Now()},
		})
		require.NoError(t, err)
		_, err = f.svc.Update(ctx, a.id, &wire.GroupUpdate{
			GroupID: gid, Action: wire.GroupActionAddMember, MemberID: u.id,
		})
		require.NoError(t, err, "member %d", i)
	}

	extra := f.addUser(t)
	_, err := f.svc.Update(ctx, a.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionAddMember, MemberID: extra.id,
	})
	require.Error(t, err)
	assert.Equal(t, wire.CodeForbidden, wire.AsError(err).Code)
}

func TestRoleRules(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.addUser(t), f.addUser(t), f.addUser(t)
	gid := f.createGroup(t, a, b, c)
	ctx := context.Background()

	// Member cannot add.
	d := f.addUser(t)
	_, err := f.svc.Update(ctx, b.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionAddMember, MemberID: d.id,
	})
	require.Error(t, err)
	assert.Equal(t, wire.CodeForbidden, wire.AsError(err).Code)

	// Owner promotes B to admin.
	event, err := f.svc.Update(ctx, a.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionChangeRole, MemberID: b.id, Role: store.RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, EventUpdated, event.Event)

	// Admin B may now add D.
	_, err = f.svc.Update(ctx, b.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionAddMember, MemberID: d.id,
	})
	require.NoError(t, err)

	// Admin B cannot remove the owner.
	_, err = f.svc.Update(ctx, b.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionRemoveMember, MemberID: a.id,
	})
	require.Error(t, err)

	// Owner cannot be demoted.
	_, err = f.svc.Update(ctx, a.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionChangeRole, MemberID: a.id, Role: store.RoleMember,
	})
	require.Error(t, err)

	// Member leaves on their own.
	event, err = f.svc.Update(ctx, c.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionRemoveMember, MemberID: c.id,
	})
	require.NoError(t, err)
	assert.Equal(t, EventMemberRemoved, event.Event)
	assert.Equal(t, []string{c.id}, event.AffectedMembers)
}

func TestTitleUpdateFansOut(t *testing.T) {
	f := newFixture(t)
	a, b := f.addUser(t), f.addUser(t)
	gid := f.createGroup(t, a, b)
	bSink := f.connect(t, b)

	event, err := f.svc.Update(context.Background(), a.id, &wire.GroupUpdate{
		GroupID: gid, Action: wire.GroupActionUpdateTitle, Title: "renamed",
	})
	require.NoError(t, err)
	assert.Equal(t, EventUpdated, event.Event)
	assert.Equal(t, "renamed", event.Group.Title)

	payloads := bSink.byType(t, wire.TypeGroupEvent)
	require.Len(t, payloads, 1)
	var got wire.GroupEvent
	require.NoError(t, json.Unmarshal(payloads[0], &got))
	assert.Equal(t, "renamed", got.Group.Title)
}
