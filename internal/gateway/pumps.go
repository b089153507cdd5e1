package gateway

import (
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// readPump reads frames and runs the pipeline inline, which keeps frames
// from a single client strictly ordered. Control frames are handled here
// rather than inside the wsutil helpers so that a pong extends the read
// deadline; an idle client that answers our pings stays connected.
func (s *Server) readPump(c *Conn) {
	defer s.wg.Done()
	defer s.disconnect(c)

	rd := wsutil.NewReader(c.sock, ws.StateServerSide)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.CloseWith(wire.CloseInternal, "ping timeout")
			} else {
				c.CloseWith(wire.CloseNormal, "read error")
			}
			return
		}
		// Any frame proves the peer is alive, pongs included.
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))

		switch hdr.OpCode {
		case ws.OpText, ws.OpBinary:
			msg, err := io.ReadAll(rd)
			if err != nil {
				c.CloseWith(wire.CloseNormal, "read error")
				return
			}
			s.processFrame(s.ctx, c, msg)
		case ws.OpPong:
			if err := rd.Discard(); err != nil {
				c.CloseWith(wire.CloseNormal, "read error")
				return
			}
		case ws.OpPing:
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(rd, payload); err != nil {
				c.CloseWith(wire.CloseNormal, "read error")
				return
			}
			// Echoed through the write pump; it is the only socket writer.
			c.replyPong(payload)
		case ws.OpClose:
			c.CloseWith(wire.CloseNormal, "client closed")
			return
		default:
			if err := rd.Discard(); err != nil {
				c.CloseWith(wire.CloseNormal, "read error")
				return
			}
		}
	}
}

// writePump drains the send queue, emits protocol pings, and writes the
// close frame when the connection ends.
func (s *Server) writePump(c *Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = c.sock.Close() }()

	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpText, frame); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("write failed")
				c.CloseWith(wire.CloseInternal, "write error")
				return
			}

		case payload := <-c.pong:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpPong, payload); err != nil {
				c.CloseWith(wire.CloseInternal, "pong failed")
				return
			}

		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpPing, nil); err != nil {
				c.CloseWith(wire.CloseInternal, "ping failed")
				return
			}

		case <-c.closed:
			// Flush whatever is already queued before the close frame.
			for {
				select {
				case frame := <-c.send:
					_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					if wsutil.WriteServerMessage(c.sock, ws.OpText, frame) != nil {
						return
					}
				default:
					_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					body := ws.NewCloseFrameBody(ws.StatusCode(c.closeCode), c.closeReason)
					_ = ws.WriteFrame(c.sock, ws.NewCloseFrame(body))
					return
				}
			}
		}
	}
}

// disconnect tears down registry and counter state exactly once per socket.
func (s *Server) disconnect(c *Conn) {
	c.CloseWith(wire.CloseNormal, "disconnect")
	s.conns.Delete(c.id)
	s.reg.Remove(s.ctx, c.id)
	atomic.AddInt64(s.connCount, -1)
	metrics.ConnectionsCurrent.Dec()
	s.logger.Debug().Str("conn_id", c.id).Str("whisper_id", c.whisperID).Msg("connection closed")
}
