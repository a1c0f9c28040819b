// Package chanmgr coalesces and tracks the channels (pkg/channel) this
// client keeps open to relays, so that no two callers ever dial the same
// relay identity concurrently and a recently-failed relay is skipped
// without hammering it again. Adapted from pool.ConnectionPool's
// mutex-guarded map and cleanup-sweep shape, generalized from a simple
// in-use/idle pool into a building/open/unusable state machine.
package chanmgr

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/channel"
	torerrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/runtime"
	"github.com/opd-ai/go-tor/pkg/runtime/production"
)

// state is the lifecycle of one relay identity's channel slot.
type state int

const (
	stateBuilding state = iota
	stateOpen
	stateUnusable
)

// slot tracks one relay identity's channel build, in flight or resolved.
// done is closed exactly once by the goroutine performing the build; every
// other field is only safe to read after done is observed closed (or while
// holding Manager.mu).
type slot struct {
	state state
	ch    *channel.Channel
	err   error
	done  chan struct{}

	retryAfter time.Time
	retryTime  torerrors.RetryTime
}

// Manager is the channel manager: GetOrLaunch(ctx, addr, identity) is its
// only entry point for callers (circuit managers, the directory bootstrap
// path). A background sweep, started with StartSweep, purges channels
// whose underlying connection has died.
type Manager struct {
	mu    sync.Mutex
	slots map[string]*slot

	logger  *logger.Logger
	runtime runtime.Runtime

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce sync.Once
}

// New creates a channel manager using the production runtime (real sockets,
// real TLS, real wall clock). Call StartSweep to begin background cleanup of
// dead channels; callers that only need GetOrLaunch (e.g. tests) may skip it.
func New(log *logger.Logger) *Manager {
	return NewWithRuntime(log, production.New())
}

// NewWithRuntime is New, but every dial, sleep, and clock read this manager
// performs goes through rt instead of the production runtime directly. Tests
// pass pkg/runtime/virtualtime here to drive backoff and sweep timing
// deterministically.
func NewWithRuntime(log *logger.Logger, rt runtime.Runtime) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	if rt == nil {
		rt = production.New()
	}
	return &Manager{
		slots:     make(map[string]*slot),
		logger:    log.Component("chanmgr"),
		runtime:   rt,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

func identityKey(identity []byte) string {
	return hex.EncodeToString(identity)
}

// GetOrLaunch returns an open channel to the relay at addr with the given
// Ed25519 identity. Concurrent calls for the same identity share a single
// in-flight dial (spec.md's at-most-one-build-per-identity invariant); a
// relay that failed recently is rejected immediately with a classified
// RetryTime rather than re-dialed.
func (m *Manager) GetOrLaunch(ctx context.Context, addr string, identity []byte) (*channel.Channel, error) {
	k := identityKey(identity)

	m.mu.Lock()
	if s, ok := m.slots[k]; ok {
		switch s.state {
		case stateOpen:
			if s.ch.State() == channel.StateOpen {
				m.mu.Unlock()
				return s.ch, nil
			}
			delete(m.slots, k) // stale: connection died before the sweep caught it
		case stateBuilding:
			done := s.done
			m.mu.Unlock()
			return m.awaitBuild(ctx, s, done)
		case stateUnusable:
			if m.runtime.Now().Before(s.retryAfter) {
				retryTime := s.retryTime
				m.mu.Unlock()
				return nil, torerrors.NewKind(torerrors.KindTorNetworkTimeout, retryTime,
					"relay channel failed recently and is still backing off")
			}
			delete(m.slots, k)
		}
	}

	s := &slot{state: stateBuilding, done: make(chan struct{})}
	m.slots[k] = s
	m.mu.Unlock()

	m.runtime.Spawn(func(_ context.Context) { m.build(addr, identity, k, s) })

	return m.awaitBuild(ctx, s, s.done)
}

func (m *Manager) build(addr string, identity []byte, k string, s *slot) {
	ch, err := channel.DialWithRuntime(context.Background(), addr, identity, m.logger, m.runtime)

	m.mu.Lock()
	if err != nil {
		s.state = stateUnusable
		s.err = err
		s.retryTime = torerrors.GetRetryTime(err)
		s.retryAfter = m.runtime.Now().Add(backoffFor(s.retryTime))
		m.logger.Warn("channel build failed", "address", addr, "error", err, "retry_after", s.retryAfter)
	} else {
		s.state = stateOpen
		s.ch = ch
		m.logger.Info("channel build succeeded", "address", addr)
	}
	// A concurrent GetOrLaunch may have already evicted this slot (e.g. a
	// stale-open purge); only re-publish it if it's still the current one
	// or nothing has taken its place.
	if cur, ok := m.slots[k]; !ok || cur == s {
		m.slots[k] = s
	}
	m.mu.Unlock()

	close(s.done)
}

func (m *Manager) awaitBuild(ctx context.Context, s *slot, done chan struct{}) (*channel.Channel, error) {
	select {
	case <-done:
		if s.err != nil {
			return nil, s.err
		}
		return s.ch, nil
	case <-ctx.Done():
		return nil, torerrors.WrapKind(torerrors.KindTorNetworkTimeout, torerrors.RetryImmediate, "channel build canceled", ctx.Err())
	}
}

// backoffFor maps a classified RetryTime to how long a failed relay's slot
// stays marked unusable before another caller may retry it.
func backoffFor(rt torerrors.RetryTime) time.Duration {
	switch rt {
	case torerrors.RetryImmediate:
		return 2 * time.Second
	case torerrors.RetryAfterWaiting:
		return 30 * time.Second
	case torerrors.RetryNever:
		return 24 * time.Hour
	default:
		return 30 * time.Second
	}
}

// StartSweep launches a background goroutine that periodically purges
// slots whose channel has closed without going through GetOrLaunch again.
func (m *Manager) StartSweep(interval time.Duration) {
	go func() {
		defer close(m.sweepDone)

		for {
			select {
			case <-m.sweepStop:
				return
			case <-m.runtime.After(interval):
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, s := range m.slots {
		switch s.state {
		case stateOpen:
			if s.ch.State() != channel.StateOpen {
				m.logger.Debug("sweeping dead channel", "key", k)
				delete(m.slots, k)
			}
		case stateUnusable:
			if m.runtime.Now().After(s.retryAfter) {
				delete(m.slots, k)
			}
		}
	}
}

// Close stops the sweep goroutine (if started) and closes every open channel.
func (m *Manager) Close() error {
	m.sweepOnce.Do(func() {
		close(m.sweepStop)
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, s := range m.slots {
		if s.state == stateOpen {
			_ = s.ch.Close()
		}
		delete(m.slots, k)
	}
	return nil
}

// Stats reports a snapshot of slot counts by state, for diagnostics/metrics.
type Stats struct {
	Open     int
	Building int
	Unusable int
}

// Stats returns current counts of open, building, and unusable slots.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	for _, s := range m.slots {
		switch s.state {
		case stateOpen:
			stats.Open++
		case stateBuilding:
			stats.Building++
		case stateUnusable:
			stats.Unusable++
		}
	}
	return stats
}
