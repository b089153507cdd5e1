package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatihtunali/whisper2-sub005/internal/auth"
	"github.com/fatihtunali/whisper2-sub005/internal/call"
	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/group"
	"github.com/fatihtunali/whisper2-sub005/internal/identity"
	"github.com/fatihtunali/whisper2-sub005/internal/limits"
	"github.com/fatihtunali/whisper2-sub005/internal/push"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/router"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

type fakeWaker struct {
	woken []string
}

func (w *fakeWaker) Wake(_ context.Context, req push.WakeRequest) error {
	w.woken = append(w.woken, req.WhisperID)
	return nil
}

type fixture struct {
	t     *testing.T
	srv   *Server
	clk   *clock.Fake
	dur   *store.Memory
	waker *fakeWaker

	connSeq int
	ipSeq   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	vol := volatile.NewMemory(clk)
	dur := store.NewMemory()
	logger := zerolog.Nop()

	reg := registry.New(vol, clk, logger)
	authSvc := auth.NewService(dur, vol, reg, clk, logger)
	waker := &fakeWaker{}
	rt := router.New(dur, reg, waker, clk, logger)
	groups := group.NewService(dur, reg, rt, waker, clk, logger)
	calls := call.NewService(dur, vol, reg, rt, waker, clk,
		call.NewHMACTurnMinter([]string{"turn:turn.example.org:3478"}, "topsecret"), logger)
	t.Cleanup(calls.Close)

	var connCount int64
	srv := NewServer(Options{
		Addr:         ":0",
		Registry:     reg,
		Auth:         authSvc,
		Router:       rt,
		Groups:       groups,
		Calls:        calls,
		Durable:      dur,
		FrameLimiter: limits.NewFrameLimiter(vol, clk, logger),
		ConnCount:    &connCount,
		Clock:        clk,
		Logger:       logger,
	})
	return &fixture{t: t, srv: srv, clk: clk, dur: dur, waker: waker}
}

// connect attaches a pipeline-only connection; no socket, no pumps.
func (f *fixture) connect() *Conn {
	f.connSeq++
	f.ipSeq++
	c := newConn(fmt.Sprintf("conn-%d", f.connSeq), fmt.Sprintf("198.51.100.%d", f.ipSeq), nil)
	f.srv.conns.Store(c.id, c)
	f.srv.reg.Add(c.id, c)
	return c
}

func (f *fixture) push(c *Conn, frameType, requestID string, payload any) {
	f.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(f.t, err)
		raw = b
	}
	frame, err := json.Marshal(wire.Frame{Type: frameType, RequestID: requestID, Payload: raw})
	require.NoError(f.t, err)
	f.srv.processFrame(context.Background(), c, frame)
}

func (f *fixture) recv(c *Conn) wire.Frame {
	f.t.Helper()
	select {
	case raw := <-c.send:
		var fr wire.Frame
		require.NoError(f.t, json.Unmarshal(raw, &fr))
		return fr
	default:
		f.t.Fatal("expected a frame on the send queue")
		return wire.Frame{}
	}
}

func decodePayload[T any](t *testing.T, fr wire.Frame) *T {
	t.Helper()
	out := new(T)
	require.NoError(t, json.Unmarshal(fr.Payload, out))
	return out
}

type client struct {
	conn      *Conn
	whisperID string
	token     string
	priv      ed25519.PrivateKey
}

// register runs the full challenge/response flow through the pipeline.
func (f *fixture) register(c *Conn, deviceID string) *client {
	f.t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(f.t, err)

	f.push(c, wire.TypeRegisterBegin, "r1", wire.RegisterBegin{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		DeviceID:        deviceID,
		Platform:        "android",
	})
	chFrame := f.recv(c)
	require.Equal(f.t, wire.TypeRegisterChallenge, chFrame.Type)
	ch := decodePayload[wire.RegisterChallenge](f.t, chFrame)

	raw, err := wire.DecodeB64(ch.Challenge)
	require.NoError(f.t, err)
	digest := sha256.Sum256(raw)

	f.push(c, wire.TypeRegisterProof, "r2", wire.RegisterProof{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		ChallengeID:     ch.ChallengeID,
		DeviceID:        deviceID,
		Platform:        "android",
		EncPublicKey:    wire.B64(make([]byte, 32)),
		SignPublicKey:   wire.B64(pub),
		Signature:       wire.B64(ed25519.Sign(priv, digest[:])),
	})
	ackFrame := f.recv(c)
	require.Equal(f.t, wire.TypeRegisterAck, ackFrame.Type)
	ack := decodePayload[wire.RegisterAck](f.t, ackFrame)
	require.True(f.t, ack.Success)
	require.True(f.t, identity.Valid(ack.WhisperID))

	return &client{conn: c, whisperID: ack.WhisperID, token: ack.SessionToken, priv: priv}
}

func (cl *client) signedMessage(messageID, to string, ts int64) wire.SendMessage {
	nonce := wire.B64(make([]byte, wire.NonceBytes))
	ct := wire.B64([]byte("ciphertext"))
	canonical := wire.Canonical("text", messageID, cl.whisperID, to, ts, nonce, ct)
	return wire.SendMessage{
		Authed: wire.Authed{
			ProtocolVersion: wire.ProtocolVersion,
			CryptoVersion:   wire.CryptoVersion,
			SessionToken:    cl.token,
		},
		MessageID:  messageID,
		From:       cl.whisperID,
		To:         to,
		MsgType:    "text",
		Timestamp:  ts,
		Nonce:      nonce,
		Ciphertext: ct,
		Sig:        wire.B64(wire.SignCanonical(cl.priv, canonical)),
	}
}

func TestRegistrationFlowBindsConnection(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	cl := f.register(c, "device-1")

	assert.Equal(t, cl.whisperID, c.whisperID)
	assert.True(t, f.srv.reg.IsLive(cl.whisperID))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	f := newFixture(t)
	c := f.connect()

	f.srv.processFrame(context.Background(), c, make([]byte, wire.MaxFrameBytes+1))

	fr := f.recv(c)
	require.Equal(t, wire.TypeError, fr.Type)
	assert.Equal(t, wire.CodeInvalidPayload, decodePayload[wire.ErrorPayload](t, fr).Code)

	select {
	case <-c.closed:
		assert.Equal(t, wire.CloseTooBig, c.closeCode)
	default:
		t.Fatal("connection should be closed")
	}
}

func TestMalformedFrameReturnsError(t *testing.T) {
	f := newFixture(t)
	c := f.connect()

	f.srv.processFrame(context.Background(), c, []byte("{not json"))

	fr := f.recv(c)
	require.Equal(t, wire.TypeError, fr.Type)
	assert.Equal(t, wire.CodeInvalidPayload, decodePayload[wire.ErrorPayload](t, fr).Code)
}

func TestUnknownTypeReturnsError(t *testing.T) {
	f := newFixture(t)
	c := f.connect()

	f.push(c, "subscribe", "q1", nil)

	fr := f.recv(c)
	require.Equal(t, wire.TypeError, fr.Type)
	p := decodePayload[wire.ErrorPayload](t, fr)
	assert.Equal(t, wire.CodeInvalidPayload, p.Code)
	assert.Equal(t, "q1", fr.RequestID)
}

func TestAuthGateRejectsUnknownToken(t *testing.T) {
	f := newFixture(t)
	c := f.connect()

	f.push(c, wire.TypeFetchPending, "q1", wire.FetchPending{
		Authed: wire.Authed{
			ProtocolVersion: wire.ProtocolVersion,
			CryptoVersion:   wire.CryptoVersion,
			SessionToken:    "bogus",
		},
	})

	fr := f.recv(c)
	require.Equal(t, wire.TypeError, fr.Type)
	assert.Equal(t, wire.CodeNotRegistered, decodePayload[wire.ErrorPayload](t, fr).Code)
	assert.False(t, f.srv.reg.IsLive("anything"))
}

func TestPingPong(t *testing.T) {
	f := newFixture(t)
	c := f.connect()

	f.push(c, wire.TypePing, "p1", wire.Ping{})

	fr := f.recv(c)
	require.Equal(t, wire.TypePong, fr.Type)
	assert.Equal(t, "p1", fr.RequestID)
	assert.Equal(t, clock.Millis(f.clk.Now()), decodePayload[wire.Pong](t, fr).ServerTime)
}

func TestRegisterBeginRateLimited(t *testing.T) {
	f := newFixture(t)
	c := f.connect()

	begin := wire.RegisterBegin{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		DeviceID:        "device-1",
		Platform:        "android",
	}
	// Burst allows ten attempts from one address; the eleventh is denied.
	for i := 0; i < 10; i++ {
		f.push(c, wire.TypeRegisterBegin, "", begin)
		fr := f.recv(c)
		require.Equal(t, wire.TypeRegisterChallenge, fr.Type, "attempt %d", i)
	}
	f.push(c, wire.TypeRegisterBegin, "", begin)

	fr := f.recv(c)
	require.Equal(t, wire.TypeError, fr.Type)
	assert.Equal(t, wire.CodeRateLimited, decodePayload[wire.ErrorPayload](t, fr).Code)
}

func TestLogoutClosesAndInvalidates(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	cl := f.register(c, "device-1")

	f.push(c, wire.TypeLogout, "q1", wire.Logout{Authed: wire.Authed{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		SessionToken:    cl.token,
	}})

	select {
	case <-c.closed:
		assert.Equal(t, wire.CloseNormal, c.closeCode)
	default:
		t.Fatal("logout should close the connection")
	}

	_, err := f.srv.auth.ValidateSession(context.Background(), cl.token)
	require.Error(t, err)
}

func TestNewDeviceDisplacesPriorConnection(t *testing.T) {
	f := newFixture(t)
	c1 := f.connect()
	cl := f.register(c1, "device-1")

	// Same identity registers from a second device, recovering with its key.
	c2 := f.connect()
	f.push(c2, wire.TypeRegisterBegin, "r1", wire.RegisterBegin{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		DeviceID:        "device-2",
		Platform:        "android",
		WhisperID:       cl.whisperID,
	})
	chFrame := f.recv(c2)
	require.Equal(t, wire.TypeRegisterChallenge, chFrame.Type)
	ch := decodePayload[wire.RegisterChallenge](t, chFrame)
	raw, err := wire.DecodeB64(ch.Challenge)
	require.NoError(t, err)
	digest := sha256.Sum256(raw)

	pub := cl.priv.Public().(ed25519.PublicKey)
	f.push(c2, wire.TypeRegisterProof, "r2", wire.RegisterProof{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		ChallengeID:     ch.ChallengeID,
		WhisperID:       cl.whisperID,
		DeviceID:        "device-2",
		Platform:        "android",
		EncPublicKey:    wire.B64(make([]byte, 32)),
		SignPublicKey:   wire.B64(pub),
		Signature:       wire.B64(ed25519.Sign(cl.priv, digest[:])),
	})
	ackFrame := f.recv(c2)
	require.Equal(t, wire.TypeRegisterAck, ackFrame.Type)

	fl := f.recv(c1)
	require.Equal(t, wire.TypeForceLogout, fl.Type)
	assert.Equal(t, "new_device", decodePayload[wire.ForceLogout](t, fl).Reason)
	select {
	case <-c1.closed:
		assert.Equal(t, wire.CloseNormal, c1.closeCode)
	default:
		t.Fatal("displaced connection should be closed")
	}

	_, err = f.srv.auth.ValidateSession(context.Background(), cl.token)
	require.Error(t, err, "displaced session token should be dead")
}

func TestHandlerDeadlines(t *testing.T) {
	assert.Equal(t, proofTimeout, handlerDeadline(wire.TypeRegisterProof))
	assert.Equal(t, handlerTimeout, handlerDeadline(wire.TypeSendMessage))
	assert.Equal(t, handlerTimeout, handlerDeadline(wire.TypePing))

	// Deadline expiry reaches the client as INTERNAL_ERROR, not a hang.
	assert.Equal(t, wire.CodeInternalError, wire.AsError(context.DeadlineExceeded).Code)
}

func TestDirectMessageThroughPipeline(t *testing.T) {
	f := newFixture(t)
	alice := f.register(f.connect(), "device-a")
	bob := f.register(f.connect(), "device-b")

	msg := alice.signedMessage("m1", bob.whisperID, clock.Millis(f.clk.Now()))
	f.push(alice.conn, wire.TypeSendMessage, "q7", msg)

	ackFrame := f.recv(alice.conn)
	require.Equal(t, wire.TypeMessageAccepted, ackFrame.Type)
	assert.Equal(t, "q7", ackFrame.RequestID)
	assert.Equal(t, "m1", decodePayload[wire.MessageAccepted](t, ackFrame).MessageID)

	recvFrame := f.recv(bob.conn)
	require.Equal(t, wire.TypeMessageReceived, recvFrame.Type)
	got := decodePayload[wire.MessageReceived](t, recvFrame)
	assert.Equal(t, alice.whisperID, got.From)
	assert.Equal(t, msg.Ciphertext, got.Ciphertext)
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	cl := f.register(c, "device-1")

	f.push(c, wire.TypeSessionRefresh, "q1", wire.SessionRefresh{Authed: wire.Authed{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		SessionToken:    cl.token,
	}})

	fr := f.recv(c)
	require.Equal(t, wire.TypeSessionRefreshAck, fr.Type)
	ack := decodePayload[wire.SessionRefreshAck](t, fr)
	require.NotEmpty(t, ack.SessionToken)
	assert.NotEqual(t, cl.token, ack.SessionToken)

	_, err := f.srv.auth.ValidateSession(context.Background(), cl.token)
	require.Error(t, err, "old token should be dead")
	_, err = f.srv.auth.ValidateSession(context.Background(), ack.SessionToken)
	require.NoError(t, err)
}

func TestTypingRelaysToPeer(t *testing.T) {
	f := newFixture(t)
	alice := f.register(f.connect(), "device-a")
	bob := f.register(f.connect(), "device-b")

	f.push(alice.conn, wire.TypeTyping, "", wire.Typing{
		Authed: wire.Authed{
			ProtocolVersion: wire.ProtocolVersion,
			CryptoVersion:   wire.CryptoVersion,
			SessionToken:    alice.token,
		},
		To:     bob.whisperID,
		Typing: true,
	})

	fr := f.recv(bob.conn)
	require.Equal(t, wire.TypeTypingNotification, fr.Type)
	got := decodePayload[wire.TypingNotification](t, fr)
	assert.Equal(t, alice.whisperID, got.From)
	assert.True(t, got.Typing)
}

func TestGroupTypingRequiresMembership(t *testing.T) {
	f := newFixture(t)
	owner := f.register(f.connect(), "device-a")
	member := f.register(f.connect(), "device-b")
	outsider := f.register(f.connect(), "device-c")

	f.push(owner.conn, wire.TypeGroupCreate, "g1", wire.GroupCreate{
		Authed: wire.Authed{
			ProtocolVersion: wire.ProtocolVersion,
			CryptoVersion:   wire.CryptoVersion,
			SessionToken:    owner.token,
		},
		Title:     "climbing",
		MemberIDs: []string{member.whisperID},
	})
	created := f.recv(owner.conn)
	require.Equal(t, wire.TypeGroupEvent, created.Type)
	groupID := decodePayload[wire.GroupEvent](t, created).Group.GroupID
	f.recv(member.conn) // the created event fan-out

	f.push(outsider.conn, wire.TypeTyping, "", wire.Typing{
		Authed: wire.Authed{
			ProtocolVersion: wire.ProtocolVersion,
			CryptoVersion:   wire.CryptoVersion,
			SessionToken:    outsider.token,
		},
		GroupID: groupID,
		Typing:  true,
	})
	fr := f.recv(outsider.conn)
	require.Equal(t, wire.TypeError, fr.Type)
	assert.Equal(t, wire.CodeForbidden, decodePayload[wire.ErrorPayload](t, fr).Code)

	f.push(member.conn, wire.TypeTyping, "", wire.Typing{
		Authed: wire.Authed{
			ProtocolVersion: wire.ProtocolVersion,
			CryptoVersion:   wire.CryptoVersion,
			SessionToken:    member.token,
		},
		GroupID: groupID,
		Typing:  true,
	})
	fr = f.recv(owner.conn)
	require.Equal(t, wire.TypeTypingNotification, fr.Type)
	assert.Equal(t, groupID, decodePayload[wire.TypingNotification](t, fr).GroupID)
}

func TestTurnCredentialsThroughPipeline(t *testing.T) {
	f := newFixture(t)
	c := f.connect()
	cl := f.register(c, "device-1")

	f.push(c, wire.TypeGetTurnCredentials, "q1", wire.GetTurnCredentials{Authed: wire.Authed{
		ProtocolVersion: wire.ProtocolVersion,
		CryptoVersion:   wire.CryptoVersion,
		SessionToken:    cl.token,
	}})

	fr := f.recv(c)
	require.Equal(t, wire.TypeTurnCredentials, fr.Type)
	creds := decodePayload[wire.TurnCredentials](t, fr)
	assert.Contains(t, creds.Username, cl.whisperID)
	assert.NotEmpty(t, creds.Credential)
	assert.Equal(t, 3600, creds.TTL)
}
