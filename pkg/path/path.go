// Package path provides path selection algorithms for Tor circuits.
// This package implements guard, middle, and exit node selection per
// tor-spec.txt / path-spec.txt: guards are long-lived and persisted
// (see guards.go), exits are chosen by port policy, and middles fill
// out the path subject to family and address diversity.
package path

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"

	"github.com/opd-ai/go-tor/pkg/directory"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// DirectoryClientInterface is the subset of directory.Client that path
// selection depends on; satisfied by *directory.Client and test doubles.
type DirectoryClientInterface interface {
	FetchConsensus(ctx context.Context) ([]*directory.Relay, error)
}

// Path is a complete 3-hop circuit selection.
type Path struct {
	Guard  *directory.Relay
	Middle *directory.Relay
	Exit   *directory.Relay
}

// Selector chooses guard/middle/exit relays from the current consensus.
type Selector struct {
	dirClient DirectoryClientInterface
	logger    *logger.Logger
	guardMgr  *GuardManager

	mu     sync.RWMutex
	relays []*directory.Relay
	guards []*directory.Relay
}

// NewSelector creates a path selector backed by dirClient. Guards are
// picked uniformly at random from the consensus's guard-flagged relays on
// every call, with no persistence across process restarts; prefer
// NewSelectorWithGuards for the sticky entry-guard behavior path-spec.txt
// requires.
func NewSelector(dirClient DirectoryClientInterface, log *logger.Logger) *Selector {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Selector{
		dirClient: dirClient,
		logger:    log.Component("path"),
	}
}

// NewSelectorWithGuards creates a path selector that picks its entry guard
// from guardMgr's persisted, confirmed guard set (path-spec.txt §2: guards
// are long-lived so a surveilling first hop can't be cycled through by
// forcing repeated circuit builds), falling back to a fresh random pick
// from the consensus - and recording it via guardMgr - only when no
// confirmed guard is available yet.
func NewSelectorWithGuards(dirClient DirectoryClientInterface, guardMgr *GuardManager, log *logger.Logger) *Selector {
	s := NewSelector(dirClient, log)
	s.guardMgr = guardMgr
	return s
}

// UpdateConsensus refreshes the relay set from the directory client and
// recomputes the guard-eligible subset.
func (s *Selector) UpdateConsensus(ctx context.Context) error {
	relays, err := s.dirClient.FetchConsensus(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch consensus: %w", err)
	}

	guards := make([]*directory.Relay, 0, len(relays))
	for _, r := range relays {
		if isUsable(r) && r.IsGuard() {
			guards = append(guards, r)
		}
	}

	s.mu.Lock()
	s.relays = relays
	s.guards = guards
	s.mu.Unlock()

	s.logger.Info("Updated consensus", "relays", len(relays), "guards", len(guards))
	return nil
}

// SelectPath chooses a disjoint guard/middle/exit triple able to carry
// traffic to the given destination port.
func (s *Selector) SelectPath(port int) (*Path, error) {
	guard, err := s.selectGuard()
	if err != nil {
		return nil, fmt.Errorf("guard selection: %w", err)
	}

	exit, err := s.selectExit(port, guard)
	if err != nil {
		return nil, fmt.Errorf("exit selection: %w", err)
	}

	middle, err := s.selectMiddle(guard, exit)
	if err != nil {
		return nil, fmt.Errorf("middle selection: %w", err)
	}

	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

// selectGuard picks an entry guard. With a GuardManager attached it prefers
// a previously confirmed, still-live guard (sticky selection); otherwise -
// or when none of the persisted guards are in the current consensus - it
// falls back to a random pick from the guard-flagged relay set, recording
// the pick for next time.
func (s *Selector) selectGuard() (*directory.Relay, error) {
	s.mu.RLock()
	guards := s.guards
	s.mu.RUnlock()

	if len(guards) == 0 {
		return nil, fmt.Errorf("no guard relays available")
	}

	if s.guardMgr != nil {
		if relay := s.pickPersistedGuard(guards); relay != nil {
			return relay, nil
		}
	}

	idx, err := randomIndex(len(guards))
	if err != nil {
		return nil, err
	}
	chosen := guards[idx]

	if s.guardMgr != nil {
		if err := s.guardMgr.AddGuard(chosen); err != nil {
			s.logger.Warn("failed to persist new guard", "error", err)
		}
	}

	return chosen, nil
}

// pickPersistedGuard returns the first persisted, confirmed guard that is
// still present in the current consensus's guard set, or nil if none
// qualify.
func (s *Selector) pickPersistedGuard(guards []*directory.Relay) *directory.Relay {
	for _, entry := range s.guardMgr.GetGuards() {
		if !entry.Confirmed {
			continue
		}
		for _, r := range guards {
			if r.Fingerprint == entry.Fingerprint {
				return r
			}
		}
	}
	return nil
}

// ConfirmGuard marks fingerprint as a confirmed, working guard in the
// attached GuardManager, if any. Call this once a circuit through that
// guard has actually opened; a no-op when the selector has no
// GuardManager attached (NewSelector, rather than NewSelectorWithGuards).
func (s *Selector) ConfirmGuard(fingerprint string) {
	if s.guardMgr == nil {
		return
	}
	if err := s.guardMgr.ConfirmGuard(fingerprint); err != nil {
		s.logger.Warn("failed to confirm guard", "fingerprint", fingerprint, "error", err)
	}
}

// selectExit picks a random exit relay whose port policy admits port and
// whose family/address does not overlap the chosen guard.
//
// TODO: filter by actual exit port policy once descriptors carry one;
// the consensus line alone does not encode accept/reject port rules.
func (s *Selector) selectExit(port int, guard *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	relays := s.relays
	s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(relays))
	for _, r := range relays {
		if !isUsable(r) || !r.IsExit() {
			continue
		}
		if sameRelay(r, guard) || inSameFamily(r, guard) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no exit relay available for port %d", port)
	}

	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// selectMiddle picks a random relay disjoint in identity, address, and
// family from both the guard and exit already chosen.
func (s *Selector) selectMiddle(guard, exit *directory.Relay) (*directory.Relay, error) {
	s.mu.RLock()
	relays := s.relays
	s.mu.RUnlock()

	candidates := make([]*directory.Relay, 0, len(relays))
	for _, r := range relays {
		if !isUsable(r) {
			continue
		}
		if sameRelay(r, guard) || sameRelay(r, exit) {
			continue
		}
		if inSameFamily(r, guard) || inSameFamily(r, exit) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no middle relay candidates available")
	}

	idx, err := randomIndex(len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// isUsable reports whether a relay is eligible for any position: it must
// be both Running and Valid per the consensus flags.
func isUsable(r *directory.Relay) bool {
	return r.IsRunning() && r.IsValid()
}

func sameRelay(a, b *directory.Relay) bool {
	return a != nil && b != nil && a.Fingerprint == b.Fingerprint
}

// inSameFamily is a conservative same-/24 address check standing in for
// full family-declaration parsing (relays rarely cross a /24 by accident;
// a real family list is carried on the router descriptor, not the
// consensus line this package works from).
func inSameFamily(a, b *directory.Relay) bool {
	if a == nil || b == nil {
		return false
	}
	ipA := net.ParseIP(a.Address)
	ipB := net.ParseIP(b.Address)
	if ipA == nil || ipB == nil {
		return strings.EqualFold(a.Address, b.Address)
	}
	a4, b4 := ipA.To4(), ipB.To4()
	if a4 != nil && b4 != nil {
		return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
	}
	return ipA.Equal(ipB)
}

// randomIndex returns a cryptographically random index in [0, n).
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randomIndex: n must be positive, got %d", n)
	}
	if n == 1 {
		return 0, nil
	}

	max := big.NewInt(int64(n))
	idx, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("failed to generate random index: %w", err)
	}
	return int(idx.Int64()), nil
}
