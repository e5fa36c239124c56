// Package dedup suppresses repeated telemetry. The broker delivers at
// least once, and several devices republish their last reading on
// reconnect, so each machine's last-seen status and rotation count are
// tracked and exact repeats are dropped before they reach a queue.
package dedup

import "sync"

// Store holds per-machine last-seen values. Entries live in sync.Maps with
// compare-and-swap updates, so dispatching for different machines never
// contends and a same-machine race settles without locks.
type Store struct {
	statuses  sync.Map // mcNo -> string
	rotations sync.Map // mcNo -> int64
}

// NewStore returns an empty dedup store.
func NewStore() *Store {
	return &Store{}
}

// SeedStatuses installs last-seen statuses recovered from the database.
// Called once at startup, before the transport delivers anything.
func (s *Store) SeedStatuses(statuses map[string]string) {
	for mc, status := range statuses {
		s.statuses.Store(mc, status)
	}
}

// SeedRotations installs last-seen rotation counts recovered from the
// database.
func (s *Store) SeedRotations(counts map[string]int64) {
	for mc, count := range counts {
		s.rotations.Store(mc, count)
	}
}

// StatusChanged records status as the machine's last-seen value and reports
// whether it differed from the previous one. A false return means the event
// is an exact repeat and should be dropped.
func (s *Store) StatusChanged(mcNo, status string) bool {
	for {
		prev, loaded := s.statuses.LoadOrStore(mcNo, status)
		if !loaded {
			return true
		}
		if prev.(string) == status {
			return false
		}
		if s.statuses.CompareAndSwap(mcNo, prev, status) {
			return true
		}
	}
}

// RotationChanged records count as the machine's last-seen rotation value
// and reports whether it changed.
func (s *Store) RotationChanged(mcNo string, count int64) bool {
	for {
		prev, loaded := s.rotations.LoadOrStore(mcNo, count)
		if !loaded {
			return true
		}
		if prev.(int64) == count {
			return false
		}
		if s.rotations.CompareAndSwap(mcNo, prev, count) {
			return true
		}
	}
}
