// Package guard is the guard-selection facade pkg/path's Selector is built
// against: a small set of long-lived, disk-persisted entry guards chosen
// once and reused across circuits, per path-spec.txt §2's rationale that
// cycling through guards defeats the protection they exist to provide.
//
// The persistence and selection engine itself lives in pkg/path
// (guards.go), grounded on the teacher's GuardManager; this package
// re-exports it under the name and shape spec.md's component table
// expects, so callers outside pkg/path depend on "the guard package"
// rather than reaching into the path selector's internals.
package guard

import (
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/path"
)

// Manager persists and selects entry guards. It is path.GuardManager
// under the name this client's other packages (pkg/circuitmgr, pkg/client)
// address it by.
type Manager = path.GuardManager

// Entry is a single persisted guard record.
type Entry = path.GuardEntry

// Stats summarizes the current guard set.
type Stats = path.GuardStats

// New creates a guard Manager backed by JSON state under dataDir.
func New(dataDir string, log *logger.Logger) (*Manager, error) {
	return path.NewGuardManager(dataDir, log)
}
