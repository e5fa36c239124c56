// Package refdata caches the machine and stop-reason reference tables.
// Lookups run on every incoming message, so the cache keeps an immutable
// snapshot behind an atomic pointer: readers take one atomic load, and a
// refresh builds a whole new snapshot before swapping it in.
package refdata

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"npt-ingest-backend/internal/model"
	"npt-ingest-backend/internal/parse"
	"npt-ingest-backend/internal/store"
)

// Snapshot is one immutable generation of reference data.
type Snapshot struct {
	machines map[string]model.Machine
	reasons  map[int]model.Reason
	loadedAt time.Time
}

// Machine looks up a machine by its normalized external id.
func (s *Snapshot) Machine(mcNo string) (model.Machine, bool) {
	m, ok := s.machines[mcNo]
	return m, ok
}

// Reason looks up a stop reason by its button code.
func (s *Snapshot) Reason(btn int) (model.Reason, bool) {
	r, ok := s.reasons[btn]
	return r, ok
}

// MachineCount returns the number of cached machines.
func (s *Snapshot) MachineCount() int { return len(s.machines) }

// ReasonCount returns the number of cached reasons.
func (s *Snapshot) ReasonCount() int { return len(s.reasons) }

// LoadedAt reports when this snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Cache serves reference-data snapshots and refreshes them periodically.
type Cache struct {
	store    store.Store
	interval time.Duration
	snap     atomic.Pointer[Snapshot]
}

// NewCache creates a cache with an empty snapshot; call Refresh before
// serving lookups.
func NewCache(s store.Store, interval time.Duration) *Cache {
	c := &Cache{store: s, interval: interval}
	c.snap.Store(&Snapshot{
		machines: make(map[string]model.Machine),
		reasons:  make(map[int]model.Reason),
	})
	return c
}

// Snapshot returns the current reference-data generation.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Refresh loads the active reference rows and atomically swaps the
// snapshot. On failure the previous snapshot stays in effect.
func (c *Cache) Refresh(ctx context.Context) error {
	machines, err := c.store.ActiveMachines(ctx)
	if err != nil {
		return err
	}
	reasons, err := c.store.ActiveReasons(ctx)
	if err != nil {
		return err
	}

	next := &Snapshot{
		machines: make(map[string]model.Machine, len(machines)),
		reasons:  make(map[int]model.Reason, len(reasons)),
		loadedAt: time.Now(),
	}
	for _, m := range machines {
		next.machines[parse.NormalizeMachineID(m.McNo)] = m
	}
	for _, r := range reasons {
		next.reasons[r.RemoteNum] = r
	}

	c.snap.Store(next)
	log.Printf("Refreshed reference data: %d machines, %d reasons", len(machines), len(reasons))
	return nil
}

// Run refreshes on the configured interval until ctx is cancelled. The
// caller owns the initial load (startup treats its failure as fatal, a
// tick failure just keeps the previous snapshot), so the first refresh
// here happens one interval in. Failures are logged and retried next tick.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.Printf("Reference data refresh failed, keeping previous snapshot: %v", err)
			}
		}
	}
}
