// Package drift tracks the canonical code version for the fleet and
// classifies node checkouts against it.
package drift

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/protocol"
)

// Classification values. These are the code_status strings stored on
// nodes and returned by the API.
const (
	StatusCurrent  = "current"
	StatusOutdated = "outdated"
	StatusUnknown  = "unknown"
)

// Tracker holds the canonical code version. Git hooks replace it
// unconditionally; heartbeats from the code-source node only advance it.
type Tracker struct {
	mu        sync.RWMutex
	canonical protocol.CodeVersion
	log       zerolog.Logger
}

// NewTracker starts from a previously persisted canonical version, or the
// zero version when the fleet has never reported one.
func NewTracker(initial protocol.CodeVersion, log zerolog.Logger) *Tracker {
	return &Tracker{
		canonical: initial,
		log:       log.With().Str("component", "drift").Logger(),
	}
}

// Canonical returns the current canonical version.
func (t *Tracker) Canonical() protocol.CodeVersion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.canonical
}

// UpdateFromHook replaces the canonical version. The git hook is
// authoritative: it fires on the machine the fleet deploys from, so even
// a rollback to an older commit wins. Returns whether anything changed.
func (t *Tracker) UpdateFromHook(v protocol.CodeVersion) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canonical.Equal(v) {
		return false
	}
	t.log.Info().
		Str("commit", v.Short()).
		Str("branch", v.BranchName).
		Str("previous", t.canonical.Short()).
		Msg("canonical code version replaced by hook")
	t.canonical = v
	return true
}

// UpdateFromHeartbeat advances the canonical version from a code-source
// node's heartbeat. Unlike hooks, heartbeats only move the canonical
// forward: an out-of-date code-source checkout must not roll the fleet's
// reference back. Non-code-source nodes never mutate it.
func (t *Tracker) UpdateFromHeartbeat(v protocol.CodeVersion, isCodeSource bool) bool {
	if !isCodeSource || v.IsZero() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canonical.IsZero() && !v.NewerThan(t.canonical) {
		return false
	}
	t.log.Info().
		Str("commit", v.Short()).
		Str("branch", v.BranchName).
		Msg("canonical code version advanced by code-source heartbeat")
	t.canonical = v
	return true
}

// Evaluate classifies a node's checkout against the canonical version.
func (t *Tracker) Evaluate(v protocol.CodeVersion) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.canonical.IsZero() || v.IsZero() {
		return StatusUnknown
	}
	if t.canonical.Equal(v) {
		return StatusCurrent
	}
	return StatusOutdated
}
