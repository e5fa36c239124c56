package ingest

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"npt-ingest-backend/internal/npt"
)

// Stats aggregates the ingestion counters. Everything is an atomic so the
// transport callback, dispatcher, and writers can bump them without
// coordination; the diagnostics endpoint and the periodic stats line read
// snapshots.
type Stats struct {
	StatusReceived   atomic.Int64
	RotationReceived atomic.Int64
	BadPayload       atomic.Int64

	UnknownMachine     atomic.Int64
	UnmappedReason     atomic.Int64
	InvalidStatus      atomic.Int64
	StatusDeduped      atomic.Int64
	RotationDeduped    atomic.Int64
	TimestampCorrected atomic.Int64

	StatusEnqueued   atomic.Int64
	RotationEnqueued atomic.Int64
	QueueSpilled     atomic.Int64
	PersistSpilled   atomic.Int64

	RotationFlushed atomic.Int64
	RawLogged       atomic.Int64

	IntervalsOpened atomic.Int64
	IntervalsClosed atomic.Int64
	ReasonsSet      atomic.Int64
	DuplicateOff    atomic.Int64
	OnNoOpen        atomic.Int64
	OnOutOfOrder    atomic.Int64
	BtnSkipped      atomic.Int64
	BtnNoTarget     atomic.Int64

	Replayed     atomic.Int64
	ReplayFailed atomic.Int64
}

// CountOutcome maps a state-machine outcome onto its counter.
func (s *Stats) CountOutcome(o npt.Outcome) {
	switch o {
	case npt.OutcomeOpened:
		s.IntervalsOpened.Add(1)
	case npt.OutcomeClosed:
		s.IntervalsClosed.Add(1)
	case npt.OutcomeReasonSet:
		s.ReasonsSet.Add(1)
	case npt.OutcomeDuplicateOff:
		s.DuplicateOff.Add(1)
	case npt.OutcomeNoOpenOn:
		s.OnNoOpen.Add(1)
	case npt.OutcomeOutOfOrderOn:
		s.OnOutOfOrder.Add(1)
	case npt.OutcomeReasonSkipped:
		s.BtnSkipped.Add(1)
	case npt.OutcomeNoTargetBtn:
		s.BtnNoTarget.Add(1)
	}
}

// Snapshot returns all counters keyed by name.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"status_received":     s.StatusReceived.Load(),
		"rotation_received":   s.RotationReceived.Load(),
		"bad_payload":         s.BadPayload.Load(),
		"unknown_machine":     s.UnknownMachine.Load(),
		"unmapped_reason":     s.UnmappedReason.Load(),
		"invalid_status":      s.InvalidStatus.Load(),
		"status_deduped":      s.StatusDeduped.Load(),
		"rotation_deduped":    s.RotationDeduped.Load(),
		"timestamp_corrected": s.TimestampCorrected.Load(),
		"status_enqueued":     s.StatusEnqueued.Load(),
		"rotation_enqueued":   s.RotationEnqueued.Load(),
		"queue_spilled":       s.QueueSpilled.Load(),
		"persist_spilled":     s.PersistSpilled.Load(),
		"rotation_flushed":    s.RotationFlushed.Load(),
		"raw_logged":          s.RawLogged.Load(),
		"intervals_opened":    s.IntervalsOpened.Load(),
		"intervals_closed":    s.IntervalsClosed.Load(),
		"reasons_set":         s.ReasonsSet.Load(),
		"duplicate_off":       s.DuplicateOff.Load(),
		"on_no_open":          s.OnNoOpen.Load(),
		"on_out_of_order":     s.OnOutOfOrder.Load(),
		"btn_skipped":         s.BtnSkipped.Load(),
		"btn_no_target":       s.BtnNoTarget.Load(),
		"replayed":            s.Replayed.Load(),
		"replay_failed":       s.ReplayFailed.Load(),
	}
}

// LogLoop prints a one-line stats summary on the given interval until ctx
// is cancelled, mirroring the operational log the ingestor has always
// produced.
func (s *Stats) LogLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf(
				"stats status_recv=%d rot_recv=%d enq=%d/%d deduped=%d/%d opened=%d closed=%d reasons=%d "+
					"bad_payload=%d unknown_mc=%d unmapped=%d out_of_order=%d no_open=%d spilled=%d/%d replayed=%d",
				s.StatusReceived.Load(), s.RotationReceived.Load(),
				s.StatusEnqueued.Load(), s.RotationEnqueued.Load(),
				s.StatusDeduped.Load(), s.RotationDeduped.Load(),
				s.IntervalsOpened.Load(), s.IntervalsClosed.Load(), s.ReasonsSet.Load(),
				s.BadPayload.Load(), s.UnknownMachine.Load(), s.UnmappedReason.Load(),
				s.OnOutOfOrder.Load(), s.OnNoOpen.Load(),
				s.QueueSpilled.Load(), s.PersistSpilled.Load(), s.Replayed.Load(),
			)
		}
	}
}
