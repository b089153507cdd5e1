package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fatihtunali/whisper2-sub005/internal/metrics"
)

// ConnLimiter throttles WebSocket upgrade attempts. Two levels: a global
// bucket guards the process, per-IP buckets guard against a single noisy
// client. Per-IP state is local to the process on purpose; upgrade attempts
// are cheap enough that cross-process precision is not worth a round trip.
type ConnLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*ipEntry
	ipRate  float64
	ipBurst int
	ipTTL   time.Duration

	global *rate.Limiter

	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ConnLimiterConfig configures the connection limiter. Zero values take the
// defaults: per IP 10/min with burst 20, global 50/s with burst 300.
type ConnLimiterConfig struct {
	IPRate      float64
	IPBurst     int
	IPTTL       time.Duration
	GlobalRate  float64
	GlobalBurst int
}

func NewConnLimiter(cfg ConnLimiterConfig, logger zerolog.Logger) *ConnLimiter {
	if cfg.IPRate == 0 {
		cfg.IPRate = 10.0 / 60
	}
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 20
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}

	cl := &ConnLimiter{
		perIP:   make(map[string]*ipEntry),
		ipRate:  cfg.IPRate,
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:  logger.With().Str("component", "conn_limiter").Logger(),
		stop:    make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Allow reports whether an upgrade from ip may proceed.
func (cl *ConnLimiter) Allow(ip string) bool {
	if !cl.global.Allow() {
		metrics.ConnectionsRejected.WithLabelValues("global_rate").Inc()
		cl.logger.Debug().Str("ip", ip).Msg("connect denied by global bucket")
		return false
	}
	if !cl.ipLimiter(ip).Allow() {
		metrics.ConnectionsRejected.WithLabelValues("ip_rate").Inc()
		cl.logger.Debug().Str("ip", ip).Msg("connect denied by ip bucket")
		return false
	}
	return true
}

func (cl *ConnLimiter) ipLimiter(ip string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if e, ok := cl.perIP[ip]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}
	e := &ipEntry{
		limiter:  rate.NewLimiter(rate.Limit(cl.ipRate), cl.ipBurst),
		lastSeen: time.Now(),
	}
	cl.perIP[ip] = e
	return e.limiter
}

func (cl *ConnLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.mu.Lock()
			cutoff := time.Now().Add(-cl.ipTTL)
			for ip, e := range cl.perIP {
				if e.lastSeen.Before(cutoff) {
					delete(cl.perIP, ip)
				}
			}
			cl.mu.Unlock()
		case <-cl.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine.
func (cl *ConnLimiter) Stop() {
	cl.once.Do(func() { close(cl.stop) })
}
