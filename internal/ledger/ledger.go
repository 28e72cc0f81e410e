// Package ledger tracks which room events have already been applied so that
// replays from reconnects and gap-fill never take effect twice.
package ledger

import "sync"

// Ledger records processed event ids for one room membership. Ids are
// positive, monotonically increasing integers scoped to a room session; a
// fresh join resets the ledger.
type Ledger struct {
	mu       sync.Mutex
	applied  map[int]struct{}
	lastSeen int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{applied: make(map[int]struct{})}
}

// MarkProcessed records id and reports whether the caller should apply the
// event. Events without a usable id (id <= 0) are always treated as new.
// A false return means the id was already applied and the event must be
// skipped.
func (l *Ledger) MarkProcessed(id int) bool {
	if id <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.applied[id]; dup {
		return false
	}
	l.applied[id] = struct{}{}
	if id > l.lastSeen {
		l.lastSeen = id
	}
	return true
}

// Reset clears all bookkeeping. Called exactly on room (re)join, since event
// ids restart per room session.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = make(map[int]struct{})
	l.lastSeen = 0
}

// SeedFromSnapshot advances lastSeen from a snapshot's next expected event
// id without claiming the intermediate ids were individually applied.
func (l *Ledger) SeedFromSnapshot(nextID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if nextID-1 > l.lastSeen {
		l.lastSeen = nextID - 1
	}
}

// LastSeen returns the highest event id processed or implied by a snapshot.
func (l *Ledger) LastSeen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}
