package gateway

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// startPumps attaches a real socket pair to the fixture server and runs both
// pumps against the server side.
func (f *fixture) startPumps(t *testing.T) (client net.Conn, c *Conn) {
	t.Helper()
	client, server := net.Pipe()
	f.connSeq++
	f.ipSeq++
	c = newConn("pipe-conn", "203.0.113.9", server)
	f.srv.conns.Store(c.id, c)
	f.srv.reg.Add(c.id, c)
	f.srv.wg.Add(2)
	go f.srv.readPump(c)
	go f.srv.writePump(c)
	t.Cleanup(func() { _ = client.Close() })
	return client, c
}

func readFrame(t *testing.T, client net.Conn) ws.Frame {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := ws.ReadFrame(client)
	require.NoError(t, err)
	return frame
}

func TestReadPumpAnswersProtocolPing(t *testing.T) {
	f := newFixture(t)
	client, _ := f.startPumps(t)

	require.NoError(t, ws.WriteFrame(client, ws.MaskFrame(ws.NewPingFrame([]byte("beat")))))

	reply := readFrame(t, client)
	require.Equal(t, ws.OpPong, reply.Header.OpCode)
	assert.Equal(t, []byte("beat"), reply.Payload)
}

func TestReadPumpConsumesPongAndKeepsServing(t *testing.T) {
	f := newFixture(t)
	client, c := f.startPumps(t)

	// An unsolicited pong must be consumed without ending the connection.
	require.NoError(t, ws.WriteFrame(client, ws.MaskFrame(ws.NewPongFrame([]byte("alive")))))

	// The data path still works after the control frame.
	raw, err := json.Marshal(wire.Frame{Type: wire.TypePing, RequestID: "p1"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteFrame(client, ws.MaskFrame(ws.NewTextFrame(raw))))

	reply := readFrame(t, client)
	require.Equal(t, ws.OpText, reply.Header.OpCode)
	var fr wire.Frame
	require.NoError(t, json.Unmarshal(reply.Payload, &fr))
	assert.Equal(t, wire.TypePong, fr.Type)
	assert.Equal(t, "p1", fr.RequestID)

	select {
	case <-c.closed:
		t.Fatal("pong must not close the connection")
	default:
	}
}

func TestClientCloseFrameEndsConnection(t *testing.T) {
	f := newFixture(t)
	client, c := f.startPumps(t)

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
	require.NoError(t, ws.WriteFrame(client, ws.MaskFrame(ws.NewCloseFrame(body))))

	// The server acknowledges with its own close frame.
	reply := readFrame(t, client)
	require.Equal(t, ws.OpClose, reply.Header.OpCode)

	select {
	case <-c.closed:
		assert.Equal(t, wire.CloseNormal, c.closeCode)
	case <-time.After(5 * time.Second):
		t.Fatal("close frame should end the connection")
	}
}
