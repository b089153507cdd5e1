package gateway

import (
	"net"
	"sync"

	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

// sendQueueSize bounds the outbound buffer per connection. A client that
// cannot drain this many frames is closed rather than allowed to stall the
// writers of everyone messaging it.
const sendQueueSize = 256

// Conn is one WebSocket connection. The read pump owns whisperID and token;
// everything else is safe for concurrent use. Conn implements registry.Sink.
type Conn struct {
	id   string
	ip   string
	sock net.Conn

	send   chan []byte
	pong   chan []byte
	closed chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// Bound identity after the first successful auth. Read and written only
	// by the connection's read pump.
	whisperID string
}

func newConn(id, ip string, sock net.Conn) *Conn {
	return &Conn{
		id:     id,
		ip:     ip,
		sock:   sock,
		send:   make(chan []byte, sendQueueSize),
		pong:   make(chan []byte, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue queues a frame for the write pump without blocking. A full queue
// means the client is not draining; the connection is closed so its backlog
// cannot grow unbounded.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.SendQueueOverflows.Inc()
		c.CloseWith(wire.CloseTooBig, "send queue overflow")
		return false
	}
}

// replyPong hands a ping echo to the write pump. A pending echo that has
// not been written yet is enough; extras are dropped.
func (c *Conn) replyPong(payload []byte) {
	select {
	case c.pong <- payload:
	default:
	}
}

// CloseWith records the close code and signals both pumps. The write pump
// emits the close frame; subsequent calls are no-ops.
func (c *Conn) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}
