// Package gateway owns the WebSocket surface: connection admission, the
// read/write pumps, and the frame pipeline that feeds the domain services.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fatihtunali/whisper2-sub005/internal/auth"
	"github.com/fatihtunali/whisper2-sub005/internal/call"
	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/group"
	"github.com/fatihtunali/whisper2-sub005/internal/limits"
	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/router"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/wire"
)

const (
	// writeWait is the deadline for a single frame write.
	writeWait = 5 * time.Second

	// pingPeriod is the protocol-level ping cadence.
	pingPeriod = 30 * time.Second

	// pongWait allows one ping interval plus the pong grace before the read
	// side declares the peer dead. Any inbound frame resets it.
	pongWait = pingPeriod + 10*time.Second
)

// Options wires the gateway to the rest of the server.
type Options struct {
	Addr string

	Registry *registry.Registry
	Auth     *auth.Service
	Router   *router.Router
	Groups   *group.Service
	Calls    *call.Service
	Durable  store.DurableStore

	FrameLimiter *limits.FrameLimiter
	ConnLimiter  *limits.ConnLimiter
	Guard        *limits.ResourceGuard

	// ConnCount is the live connection counter shared with the resource
	// guard. The gateway is the only writer.
	ConnCount *int64

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Server accepts WebSocket upgrades and runs one read and one write pump per
// connection.
type Server struct {
	addr    string
	reg     *registry.Registry
	auth    *auth.Service
	router  *router.Router
	groups  *group.Service
	calls   *call.Service
	durable store.DurableStore

	frameLimiter *limits.FrameLimiter
	connLimiter  *limits.ConnLimiter
	guard        *limits.ResourceGuard
	connCount    *int64

	clk    clock.Clock
	logger zerolog.Logger

	httpSrv      *http.Server
	conns        sync.Map // connID -> *Conn
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:         opts.Addr,
		reg:          opts.Registry,
		auth:         opts.Auth,
		router:       opts.Router,
		groups:       opts.Groups,
		calls:        opts.Calls,
		durable:      opts.Durable,
		frameLimiter: opts.FrameLimiter,
		connLimiter:  opts.ConnLimiter,
		guard:        opts.Guard,
		connCount:    opts.ConnCount,
		clk:          opts.Clock,
		logger:       opts.Logger.With().Str("component", "gateway").Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.addr).Msg("gateway listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting upgrades, closes every live connection, and waits
// for the pumps to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	err := s.httpSrv.Shutdown(ctx)
	s.conns.Range(func(_, v any) bool {
		v.(*Conn).CloseWith(wire.CloseNormal, "server shutting down")
		return true
	})
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleUpgrade runs the admission chain: shutdown flag, connection rate
// limits, then the resource guard. Only then is the socket upgraded.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ip := clientIP(r)
	if ok, reason := s.guard.Admit(); !ok {
		s.logger.Warn().Str("ip", ip).Str("reason", reason).Msg("connection refused by resource guard")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	// Connect-rate refusal happens on the socket so the client sees a typed
	// error and the 4029 close code rather than a bare TCP reset.
	if !s.connLimiter.Allow(ip) {
		refuseRateLimited(sock)
		return
	}

	c := newConn(uuid.NewString(), ip, sock)
	s.conns.Store(c.id, c)
	s.reg.Add(c.id, c)
	atomic.AddInt64(s.connCount, 1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	s.logger.Debug().Str("conn_id", c.id).Str("ip", ip).Msg("connection accepted")

	s.wg.Add(2)
	go s.readPump(c)
	go s.writePump(c)
}

// refuseRateLimited sends one error frame and the 4029 close on a socket
// that never enters the registry.
func refuseRateLimited(sock net.Conn) {
	defer func() { _ = sock.Close() }()
	_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
	frame := wire.MarshalError("", wire.Errf(wire.CodeRateLimited, "too many connection attempts"))
	if err := wsutil.WriteServerMessage(sock, ws.OpText, frame); err != nil {
		return
	}
	body := ws.NewCloseFrameBody(ws.StatusCode(wire.CloseRateLimited), "rate limited")
	_ = ws.WriteFrame(sock, ws.NewCloseFrame(body))
}

// clientIP prefers the first X-Forwarded-For hop so the limiters see the real
// client behind the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
