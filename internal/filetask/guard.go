package filetask

import "sync"

// RequeueGuard tracks which files have already consumed their one
// automatic from-scratch requeue after a digest mismatch, to protect
// against corruption loops. The coordinator owns one guard for its
// whole lifetime and shares it across every Task it launches, across
// every Start/Resume call. The root Engine builds its Coordinator once
// and keeps it across LoadManifest calls, so reloading a manifest does
// not renew a name's allowance.
type RequeueGuard struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewRequeueGuard returns an empty guard for a fresh manifest load.
func NewRequeueGuard() *RequeueGuard {
	return &RequeueGuard{used: make(map[string]bool)}
}

// Consume reports whether name has already used its one free requeue.
// The first call for a given name returns false and marks it used;
// every subsequent call returns true.
func (g *RequeueGuard) Consume(name string) (alreadyUsed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.used[name] {
		return true
	}

	g.used[name] = true

	return false
}
