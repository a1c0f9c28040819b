// Package circuitmgr builds and pools the circuits (pkg/circuit) this
// client routes streams over. Adapted from pool.CircuitPool's flat
// slice-plus-isolation-map shape, generalized into an at-most-one-build-
// per-path coalesced model with a build-timeout learner.
package circuitmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/chanmgr"
	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/congestion"
	"github.com/opd-ai/go-tor/pkg/directory"
	torerrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/path"
	"github.com/opd-ai/go-tor/pkg/runtime"
	"github.com/opd-ai/go-tor/pkg/runtime/production"
)

// Purpose distinguishes why a circuit was built, mirroring tor-spec.txt's
// circuit purposes; only the subset this client needs.
type Purpose int

const (
	// PurposeGeneral is a 3-hop circuit for SOCKS exit traffic.
	PurposeGeneral Purpose = iota
	// PurposeDirectory is a 1-hop circuit used to fetch directory documents.
	PurposeDirectory
)

func (p Purpose) String() string {
	switch p {
	case PurposeDirectory:
		return "directory"
	default:
		return "general"
	}
}

const (
	minPoolCircuits     = 2
	maxPoolCircuits     = 10
	defaultBuildTimeout = 60 * time.Second
	createTimeout       = 15 * time.Second
	ewmaAlpha           = 0.3
)

// inFlight tracks a coalesced build in progress; every caller requesting
// the same poolKey while one build is running waits on done instead of
// starting a second dial (spec.md's at-most-one-build invariant).
type inFlight struct {
	done chan struct{}
	circ *circuit.Circuit
	err  error
}

// Manager builds, pools, and hands out circuits. GetCircuit is its primary
// entry point; a background task keeps a small pool of general-purpose
// circuits warm so SOCKS connections rarely wait on a live build.
type Manager struct {
	mu               sync.Mutex
	pool             []*circuit.Circuit
	isolatedPools    map[string][]*circuit.Circuit
	building         map[string]*inFlight
	circuitIDManager *circuit.Manager

	selector *path.Selector
	channels *chanmgr.Manager
	logger   *logger.Logger
	runtime  runtime.Runtime

	// build-timeout learner: N-EWMA over recent successful build latencies.
	timeoutMu     sync.Mutex
	meanBuildTime time.Duration
	sampleCount   int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a circuit manager using the production runtime. selector
// provides path selection from the current consensus; channels is the
// shared channel manager circuits dial their hops through.
func New(selector *path.Selector, channels *chanmgr.Manager, log *logger.Logger) *Manager {
	return NewWithRuntime(selector, channels, log, production.New())
}

// NewWithRuntime is New, but background builds are spawned and timed through
// rt instead of the production runtime directly, so tests can drive the
// preemptive-build and timeout logic against pkg/runtime/virtualtime.
func NewWithRuntime(selector *path.Selector, channels *chanmgr.Manager, log *logger.Logger, rt runtime.Runtime) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	if rt == nil {
		rt = production.New()
	}
	return &Manager{
		isolatedPools:    make(map[string][]*circuit.Circuit),
		building:         make(map[string]*inFlight),
		circuitIDManager: circuit.NewManager(),
		selector:         selector,
		channels:         channels,
		logger:           log.Component("circuitmgr"),
		runtime:          rt,
		meanBuildTime:    defaultBuildTimeout / 2,
		stopCh:           make(chan struct{}),
	}
}

// poolKey identifies which pooled inventory (and in-flight build slot) a
// request maps to: the isolation key's Key(), or "" for the shared
// non-isolated pool. Purpose is folded in so directory circuits never
// share a slot, or a pooled circuit, with general exit circuits.
func poolKey(isolation *circuit.IsolationKey, purpose Purpose) string {
	ik := ""
	if isolation != nil {
		ik = isolation.Key()
	}
	return purpose.String() + "|" + ik
}

// GetCircuit returns an open circuit usable for purpose under isolation,
// preferring a pooled circuit whose isolation only needs to narrow, then
// falling back to a coalesced build. port selects the exit policy for
// PurposeGeneral; it is ignored for PurposeDirectory (one-hop, no exit).
func (m *Manager) GetCircuit(ctx context.Context, purpose Purpose, isolation *circuit.IsolationKey, port int) (*circuit.Circuit, error) {
	key := poolKey(isolation, purpose)

	if circ := m.takeFromPool(key, isolation); circ != nil {
		return circ, nil
	}

	m.mu.Lock()
	if f, ok := m.building[key]; ok {
		m.mu.Unlock()
		return m.await(ctx, f)
	}

	f := &inFlight{done: make(chan struct{})}
	m.building[key] = f
	m.mu.Unlock()

	m.runtime.Spawn(func(_ context.Context) { m.build(f, key, purpose, isolation, port) })

	return m.await(ctx, f)
}

func (m *Manager) takeFromPool(key string, isolation *circuit.IsolationKey) *circuit.Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inventory []*circuit.Circuit
	if isolation != nil && isolation.Level != circuit.IsolationNone {
		inventory = m.isolatedPools[key]
	} else {
		inventory = m.pool
	}

	for len(inventory) > 0 {
		circ := inventory[0]
		inventory = inventory[1:]
		if isolation != nil && isolation.Level != circuit.IsolationNone {
			m.isolatedPools[key] = inventory
		} else {
			m.pool = inventory
		}
		if circ.GetState() == circuit.StateOpen {
			if isolation != nil {
				circ.SetIsolationKey(isolation)
			}
			return circ
		}
	}
	return nil
}

func (m *Manager) await(ctx context.Context, f *inFlight) (*circuit.Circuit, error) {
	select {
	case <-f.done:
		return f.circ, f.err
	case <-ctx.Done():
		return nil, torerrors.WrapKind(torerrors.KindTorNetworkTimeout, torerrors.RetryImmediate, "circuit build canceled", ctx.Err())
	}
}

func (m *Manager) build(f *inFlight, key string, purpose Purpose, isolation *circuit.IsolationKey, port int) {
	start := m.runtime.Monotonic()
	timeout := m.currentBuildTimeout()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	circ, err := m.buildOne(ctx, purpose, isolation, port)
	elapsed := m.runtime.Monotonic() - start

	m.mu.Lock()
	if err != nil {
		f.err = err
		m.logger.Warn("circuit build failed", "purpose", purpose, "error", err)
	} else {
		f.circ = circ
		m.recordBuildTime(elapsed)
		m.logger.Info("circuit build succeeded", "purpose", purpose, "circuit_id", circ.ID, "elapsed", elapsed)
	}
	delete(m.building, key)
	m.mu.Unlock()

	close(f.done)
}

// buildOne selects a path and builds a real circuit: CREATE2 to the guard,
// then EXTEND2 through each remaining hop, over a channel shared with every
// other circuit that has the same relay as a hop.
func (m *Manager) buildOne(ctx context.Context, purpose Purpose, isolation *circuit.IsolationKey, port int) (*circuit.Circuit, error) {
	p, err := m.selector.SelectPath(port)
	if err != nil {
		return nil, torerrors.WrapKind(torerrors.KindNoPath, torerrors.RetryAfterWaiting, "path selection failed", err)
	}

	hops := []*directory.Relay{p.Guard, p.Middle, p.Exit}
	if purpose == PurposeDirectory {
		hops = hops[:1] // one-hop directory circuit: guard only
	}
	if hasOverlappingIdentity(hops) {
		return nil, torerrors.NewKind(torerrors.KindNoPath, torerrors.RetryImmediate, "selected path has overlapping relay identities")
	}

	circ, err := m.circuitIDManager.CreateCircuit()
	if err != nil {
		return nil, torerrors.WrapKind(torerrors.KindInternal, torerrors.RetryNever, "circuit id allocation failed", err)
	}
	if isolation != nil {
		circ.SetIsolationKey(isolation)
	}

	guardAddr := fmt.Sprintf("%s:%d", hops[0].Address, hops[0].ORPort)
	ch, err := m.channels.GetOrLaunch(ctx, guardAddr, hops[0].IdentityKey)
	if err != nil {
		circ.SetState(circuit.StateFailed)
		return nil, torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.GetRetryTime(err), "channel to guard failed", err)
	}

	inbound := make(chan *cell.Cell, 64)
	if err := ch.RegisterCircuit(circ.ID, inbound); err != nil {
		circ.SetState(circuit.StateFailed)
		return nil, torerrors.WrapKind(torerrors.KindInternal, torerrors.RetryImmediate, "circuit registration failed", err)
	}
	circ.SetConnection(ch)

	pump := newCellPump(circ, inbound, m.runtime, m.logger)

	ext := circuit.NewExtension(circ, m.logger)
	ext.SetTargetRelay(hops[0])
	transport := &hopTransport{ch: ch, inbound: inbound}
	if err := ext.CreateFirstHop(ctx, transport, circuit.HandshakeTypeNTor); err != nil {
		ch.UnregisterCircuit(circ.ID)
		circ.SetState(circuit.StateFailed)
		return nil, torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.RetryAfterWaiting, "CREATE2 failed", err)
	}

	// Only start demuxing RELAY cells onto circ.DeliverRelayCell once
	// CREATE2/CREATED2 (a raw, non-relay cell exchange) has completed.
	go pump.run()

	for i := 1; i < len(hops); i++ {
		target := fmt.Sprintf("%s:%d", hops[i].Address, hops[i].ORPort)
		ext.SetTargetRelay(hops[i])
		if err := ext.ExtendCircuit(ctx, target, circuit.HandshakeTypeNTor); err != nil {
			pump.stop()
			ch.UnregisterCircuit(circ.ID)
			circ.SetState(circuit.StateFailed)
			return nil, torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.RetryAfterWaiting, "EXTEND2 failed", err)
		}
	}

	circ.SetState(circuit.StateOpen)
	m.selector.ConfirmGuard(hops[0].Fingerprint)
	return circ, nil
}

func hasOverlappingIdentity(hops []*directory.Relay) bool {
	seen := make(map[string]bool, len(hops))
	for _, h := range hops {
		if seen[h.Fingerprint] {
			return true
		}
		seen[h.Fingerprint] = true
	}
	return false
}

// hopTransport adapts a Channel plus a circuit's registered inbound queue
// to circuit.CellTransport, for the single blocking CREATE2/CREATED2
// exchange that happens before the circuit's cell pump starts running.
type hopTransport struct {
	ch      interface{ SendCell(*cell.Cell) error }
	inbound chan *cell.Cell
}

func (t *hopTransport) SendCell(c *cell.Cell) error { return t.ch.SendCell(c) }

func (t *hopTransport) ReceiveCell() (*cell.Cell, error) {
	select {
	case c := <-t.inbound:
		if c.Command == cell.CmdDestroy {
			return nil, fmt.Errorf("circuit destroyed by relay before CREATED2")
		}
		return c, nil
	case <-time.After(createTimeout):
		return nil, fmt.Errorf("timed out waiting for CREATED2")
	}
}

// cellPump demultiplexes a circuit's registered inbound cell queue after
// its first hop exists: RELAY cells are decrypted and delivered onto the
// circuit's relay-cell channel, DESTROY closes the circuit. It also tracks
// the circuit's outgoing SENDME cadence through an RTT estimator, so a
// stalled or badly-behaved link shows up in circuit_id-scoped logs instead
// of silently sitting on a flow-control window.
type cellPump struct {
	circ    *circuit.Circuit
	inbound chan *cell.Cell
	stopCh  chan struct{}
	once    sync.Once

	runtime  runtime.Runtime
	logger   *logger.Logger
	rtt      *congestion.RTTEstimator
	lastSent time.Duration
	lastN    int
}

func newCellPump(circ *circuit.Circuit, inbound chan *cell.Cell, rt runtime.Runtime, log *logger.Logger) *cellPump {
	if rt == nil {
		rt = production.New()
	}
	return &cellPump{
		circ:     circ,
		inbound:  inbound,
		stopCh:   make(chan struct{}),
		runtime:  rt,
		logger:   log,
		rtt:      congestion.NewRTTEstimator(),
		lastSent: rt.Monotonic(),
	}
}

func (p *cellPump) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case c, ok := <-p.inbound:
			if !ok {
				return
			}
			switch c.Command {
			case cell.CmdRelay:
				if err := p.circ.DeliverRelayCell(c); err != nil {
					p.circ.SetState(circuit.StateFailed)
				}
				p.sampleSendmeCadence()
			case cell.CmdDestroy:
				p.circ.SetState(circuit.StateClosed)
				return
			}
		}
	}
}

// sampleSendmeCadence feeds the RTT estimator one sample every time this
// circuit has sent a new SENDME, using the elapsed time since the previous
// one as the round-trip proxy per tor-spec.txt §7.4's fixed-window scheme.
func (p *cellPump) sampleSendmeCadence() {
	n := p.circ.SendmeSent()
	if n <= p.lastN {
		return
	}
	p.lastN = n
	now := p.runtime.Monotonic()
	p.rtt.AddSample(now - p.lastSent)
	p.lastSent = now

	if p.logger == nil {
		return
	}
	if p.rtt.ClockStalled() {
		p.logger.Warn("circuit clock stall detected", "circuit_id", p.circ.ID)
	}
	if p.rtt.SampleCount()%10 == 1 {
		// 100/1000 mirror tor-spec.txt §7.4's SENDME increment and initial
		// circuit window; the estimator uses them only to scale its
		// slow-start growth, not as a hard cap on the real window.
		p.logger.Debug("circuit congestion estimate",
			"circuit_id", p.circ.ID,
			"estimated_rtt", p.rtt.EstimatedRTT(),
			"window", p.rtt.CongestionWindow(100, 1000))
	}
}

func (p *cellPump) stop() {
	p.once.Do(func() { close(p.stopCh) })
}

// recordBuildTime folds a successful build latency into the N-EWMA used to
// size future build timeouts.
func (m *Manager) recordBuildTime(d time.Duration) {
	m.timeoutMu.Lock()
	defer m.timeoutMu.Unlock()

	if m.sampleCount == 0 {
		m.meanBuildTime = d
	} else {
		m.meanBuildTime = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(m.meanBuildTime))
	}
	m.sampleCount++
}

// currentBuildTimeout returns 3x the learned mean build latency, clamped to
// a sane range, so a slow-but-working network doesn't get every build
// request killed by a fixed timeout tuned for a fast one.
func (m *Manager) currentBuildTimeout() time.Duration {
	m.timeoutMu.Lock()
	defer m.timeoutMu.Unlock()

	if m.sampleCount < 3 {
		return defaultBuildTimeout
	}
	t := m.meanBuildTime * 3
	if t < 10*time.Second {
		t = 10 * time.Second
	}
	if t > 2*time.Minute {
		t = 2 * time.Minute
	}
	return t
}

// PutCircuit returns a still-open circuit to its pool for reuse. Circuits
// that aren't open are discarded rather than pooled.
func (m *Manager) PutCircuit(circ *circuit.Circuit, purpose Purpose) {
	if circ == nil || circ.GetState() != circuit.StateOpen {
		return
	}

	isolation := circ.GetIsolationKey()
	key := poolKey(isolation, purpose)

	m.mu.Lock()
	defer m.mu.Unlock()

	if isolation != nil && isolation.Level != circuit.IsolationNone {
		if len(m.isolatedPools[key]) >= maxPoolCircuits {
			return
		}
		m.isolatedPools[key] = append(m.isolatedPools[key], circ)
		return
	}
	if len(m.pool) >= maxPoolCircuits {
		return
	}
	m.pool = append(m.pool, circ)
}

// StartPreemptiveBuild launches a background task that keeps at least
// minPoolCircuits general-purpose, non-isolated circuits warm.
func (m *Manager) StartPreemptiveBuild(interval time.Duration) {
	m.wg.Add(1)
	m.runtime.Spawn(func(_ context.Context) {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case <-m.runtime.After(interval):
				m.ensureMinCircuits()
			}
		}
	})
}

func (m *Manager) ensureMinCircuits() {
	m.mu.Lock()
	current := len(m.pool)
	m.mu.Unlock()

	for i := current; i < minPoolCircuits; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBuildTimeout)
		circ, err := m.buildOne(ctx, PurposeGeneral, nil, 443)
		cancel()
		if err != nil {
			m.logger.Warn("preemptive circuit build failed", "error", err)
			continue
		}
		m.PutCircuit(circ, PurposeGeneral)
	}
}

// Stats reports pool occupancy for diagnostics/metrics.
type Stats struct {
	Pooled        int
	IsolatedPools int
	Building      int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pooled:        len(m.pool),
		IsolatedPools: len(m.isolatedPools),
		Building:      len(m.building),
	}
}

// Close stops the preemptive build task and discards pooled circuits.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, circ := range m.pool {
		circ.SetState(circuit.StateClosed)
	}
	m.pool = nil
	for k, circs := range m.isolatedPools {
		for _, circ := range circs {
			circ.SetState(circuit.StateClosed)
		}
		delete(m.isolatedPools, k)
	}
	return nil
}
