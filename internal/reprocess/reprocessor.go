// Package reprocess re-derives the downtime timeline from the raw status
// log. It runs the same transition rules as the streaming writers, seeded
// from each machine's latest interval and resumed from a persisted cursor,
// so it can backfill gaps or repair a timeline without double-applying
// anything it has already seen.
package reprocess

import (
	"context"
	"fmt"
	"log"

	"npt-ingest-backend/internal/model"
	"npt-ingest-backend/internal/npt"
	"npt-ingest-backend/internal/store"
)

// Reprocessor replays raw status events machine by machine.
type Reprocessor struct {
	store store.Store
}

// New creates a reprocessor over the given store.
func New(s store.Store) *Reprocessor {
	return &Reprocessor{store: s}
}

// cursorMeasurement names the per-machine cursor stream.
func cursorMeasurement(mcNo string) string {
	return "machine_status_" + mcNo
}

// Run processes every machine present in the raw status log. Machines fail
// independently; the first error is returned after all machines have been
// attempted.
func (r *Reprocessor) Run(ctx context.Context) error {
	machines, err := r.store.RawStatusMachines(ctx)
	if err != nil {
		return fmt.Errorf("failed to list machines in raw status log: %w", err)
	}

	reasons, err := r.loadReasonMap(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, mcNo := range machines {
		if err := r.ProcessMachine(ctx, mcNo, reasons); err != nil {
			log.Printf("Reprocessing failed for mc=%s: %v", mcNo, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunMachine reprocesses a single machine, for the -machine CLI flag.
func (r *Reprocessor) RunMachine(ctx context.Context, mcNo string) error {
	reasons, err := r.loadReasonMap(ctx)
	if err != nil {
		return err
	}
	return r.ProcessMachine(ctx, mcNo, reasons)
}

// loadReasonMap maps stop-button codes to internal reason ids. The raw log
// stores the code the device sent; resolution happens at replay time, so a
// reason added after the fact still applies.
func (r *Reprocessor) loadReasonMap(ctx context.Context) (map[int]int64, error) {
	reasons, err := r.store.ActiveReasons(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reasons: %w", err)
	}
	m := make(map[int]int64, len(reasons))
	for _, reason := range reasons {
		m[reason.RemoteNum] = reason.ID
	}
	return m, nil
}

// ProcessMachine replays one machine's raw events after its cursor inside
// a single transaction: fold events, write interval mutations, advance the
// cursor to the last event's timestamp. Re-running with no new events is a
// no-op; a crash mid-pass rolls back both the mutations and the cursor, so
// the next pass repeats the same idempotent work.
func (r *Reprocessor) ProcessMachine(ctx context.Context, mcNo string, reasons map[int]int64) error {
	return r.store.Transaction(ctx, func(tx store.Store) error {
		measurement := cursorMeasurement(mcNo)

		cursor, err := tx.GetCursor(ctx, measurement)
		if err != nil {
			return fmt.Errorf("failed to load cursor: %w", err)
		}

		logs, err := tx.RawStatusAfter(ctx, mcNo, cursor)
		if err != nil {
			return fmt.Errorf("failed to fetch raw events: %w", err)
		}
		if len(logs) == 0 {
			return nil
		}

		latest, err := tx.LatestInterval(ctx, mcNo)
		if err != nil {
			return fmt.Errorf("failed to load latest interval: %w", err)
		}
		state := stateFromInterval(latest)

		applied := 0
		for _, entry := range logs {
			ev := eventFromLog(entry, reasons)
			// A button code with no reason mapping would set a reason of
			// nothing; skip the write and leave the interval untouched.
			if ev.Kind == npt.EventBtn && ev.ReasonID == nil {
				log.Printf("Reprocess mc=%s: btn event at %s has no mapped reason, skipping", mcNo, entry.StatusTime)
				continue
			}
			next, action, outcome := npt.Apply(state, ev)
			if action != nil {
				if err := upsertState(ctx, tx, mcNo, next); err != nil {
					return fmt.Errorf("failed to apply %s at %s: %w", action.Kind, entry.StatusTime, err)
				}
				applied++
			} else {
				log.Printf("Reprocess mc=%s: %s event at %s -> %s", mcNo, entry.Status, entry.StatusTime, outcome)
			}
			state = next
		}

		// The cursor advances to the last event even when nothing mutated,
		// so already-judged events are never replayed.
		last := logs[len(logs)-1].StatusTime
		if err := tx.AdvanceCursor(ctx, measurement, last); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}

		log.Printf("Reprocessed mc=%s: %d events, %d interval mutations, cursor=%s", mcNo, len(logs), applied, last)
		return nil
	})
}

func stateFromInterval(iv *model.NptInterval) npt.State {
	if iv == nil {
		return npt.State{}
	}
	return npt.State{
		HasInterval: true,
		OffTime:     iv.OffTime,
		OnTime:      iv.OnTime,
		ReasonID:    iv.ReasonID,
	}
}

func eventFromLog(entry model.RawStatusLog, reasons map[int]int64) npt.Event {
	ev := npt.Event{Kind: npt.EventKind(entry.Status), At: entry.StatusTime}
	if entry.Status == string(npt.EventBtn) && entry.Btn != nil {
		if id, ok := reasons[*entry.Btn]; ok {
			ev.ReasonID = &id
		}
	}
	return ev
}

// upsertState persists the post-transition latest interval. The write is
// keyed on (mc_no, off_time) and overwrites on_time and reason_id with the
// replayed truth, which is what lets the reprocessor repair rows the
// streaming path got wrong.
func upsertState(ctx context.Context, tx store.Store, mcNo string, state npt.State) error {
	return tx.UpsertInterval(ctx, &model.NptInterval{
		McNo:     mcNo,
		OffTime:  state.OffTime,
		OnTime:   state.OnTime,
		ReasonID: state.ReasonID,
	})
}
