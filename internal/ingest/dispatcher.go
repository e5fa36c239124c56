package ingest

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"npt-ingest-backend/internal/dedup"
	"npt-ingest-backend/internal/npt"
	"npt-ingest-backend/internal/parse"
	"npt-ingest-backend/internal/refdata"
)

// Dispatcher validates, deduplicates, and routes decoded telemetry onto the
// per-class queues. It never blocks: anything it cannot place immediately
// goes to the overflow log and comes back through the replayer.
type Dispatcher struct {
	cache    *refdata.Cache
	dedup    *dedup.Store
	overflow *OverflowLog
	stats    *Stats
	loc      *time.Location

	offQueue *Queue[StatusItem]
	onQueue  *Queue[StatusItem]
	btnQueue *Queue[StatusItem]
	rotQueue *Queue[RotationItem]
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(
	cache *refdata.Cache,
	dedupStore *dedup.Store,
	overflow *OverflowLog,
	stats *Stats,
	loc *time.Location,
	offQ, onQ, btnQ *Queue[StatusItem],
	rotQ *Queue[RotationItem],
) *Dispatcher {
	return &Dispatcher{
		cache:    cache,
		dedup:    dedupStore,
		overflow: overflow,
		stats:    stats,
		loc:      loc,
		offQueue: offQ,
		onQueue:  onQ,
		btnQueue: btnQ,
		rotQueue: rotQ,
	}
}

// HandleStatus classifies one machine-status payload. This is the single
// entry point for live traffic and for replayed wire-stage spills, so
// reference lookup, dedup, and routing are re-evaluated on every pass.
func (d *Dispatcher) HandleStatus(p StatusPayload) {
	mcNo := parse.NormalizeMachineID(p.Mc)
	status := strings.ToLower(strings.TrimSpace(p.Status))
	if mcNo == "" || (status != "off" && status != "on" && status != "btn") {
		d.stats.InvalidStatus.Add(1)
		return
	}

	snap := d.cache.Snapshot()
	if _, ok := snap.Machine(mcNo); !ok {
		d.stats.UnknownMachine.Add(1)
		d.spill(CategoryUnknownMachineStatus, p)
		return
	}

	// Resolve the button before touching dedup state so an unmapped-reason
	// spill can be replayed later without deduping against itself.
	var reasonID *int64
	if status == "btn" {
		if p.Btn == nil {
			d.stats.InvalidStatus.Add(1)
			log.Printf("btn status without btn code (mc=%s)", mcNo)
			return
		}
		reason, ok := snap.Reason(*p.Btn)
		if !ok {
			d.stats.UnmappedReason.Add(1)
			d.spill(CategoryUnmappedReason, p)
			return
		}
		id := reason.ID
		reasonID = &id
	}

	if !d.dedup.StatusChanged(mcNo, status) {
		d.stats.StatusDeduped.Add(1)
		return
	}

	ts, corrected := parse.NormalizeEpoch(p.Timestamp, time.Now(), d.loc)
	if corrected {
		d.stats.TimestampCorrected.Add(1)
		log.Printf("Implausible timestamp %d from mc=%s, substituted current time", p.Timestamp, mcNo)
	}

	item := StatusItem{McNo: mcNo, Kind: npt.EventKind(status), At: ts, Btn: p.Btn, ReasonID: reasonID}
	d.EnqueueStatus(item)
}

// HandleRotation classifies one rotation-count payload.
func (d *Dispatcher) HandleRotation(p RotationPayload) {
	mcNo := parse.NormalizeMachineID(p.Mc)
	if mcNo == "" {
		d.stats.InvalidStatus.Add(1)
		return
	}

	if _, ok := d.cache.Snapshot().Machine(mcNo); !ok {
		d.stats.UnknownMachine.Add(1)
		d.spill(CategoryUnknownMachineRotation, p)
		return
	}

	if !d.dedup.RotationChanged(mcNo, p.Rotation) {
		d.stats.RotationDeduped.Add(1)
		return
	}

	ts, corrected := parse.NormalizeEpoch(p.Timestamp, time.Now(), d.loc)
	if corrected {
		d.stats.TimestampCorrected.Add(1)
		log.Printf("Implausible timestamp %d from mc=%s, substituted current time", p.Timestamp, mcNo)
	}

	d.EnqueueRotation(RotationItem{McNo: mcNo, Count: p.Rotation, At: ts})
}

// EnqueueStatus places a classified status item on its class queue,
// spilling to the overflow log when the queue is full. Replays of
// post-classification spills re-enter here rather than at HandleStatus:
// those items already passed dedup once, and re-running the dedup check
// would suppress them as duplicates of themselves.
func (d *Dispatcher) EnqueueStatus(item StatusItem) {
	var q *Queue[StatusItem]
	var category string
	switch item.Kind {
	case npt.EventOff:
		q, category = d.offQueue, CategoryStatusOff
	case npt.EventOn:
		q, category = d.onQueue, CategoryStatusOn
	case npt.EventBtn:
		q, category = d.btnQueue, CategoryStatusBtn
	default:
		d.stats.InvalidStatus.Add(1)
		return
	}

	if q.TryEnqueue(item) {
		d.stats.StatusEnqueued.Add(1)
		return
	}
	d.stats.QueueSpilled.Add(1)
	d.spill(category, item)
}

// EnqueueRotation places a classified rotation item on the rotation queue,
// spilling on saturation.
func (d *Dispatcher) EnqueueRotation(item RotationItem) {
	if d.rotQueue.TryEnqueue(item) {
		d.stats.RotationEnqueued.Add(1)
		return
	}
	d.stats.QueueSpilled.Add(1)
	d.spill(CategoryRotation, item)
}

// Resubmit routes one overflow record back into the pipeline. Wire-stage
// categories re-run the full classification; class categories re-enter at
// the enqueue step.
func (d *Dispatcher) Resubmit(rec OverflowRecord) error {
	switch rec.Category {
	case CategoryUnknownMachineStatus, CategoryUnmappedReason:
		var p StatusPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("bad status payload in overflow record: %w", err)
		}
		d.HandleStatus(p)
		return nil

	case CategoryUnknownMachineRotation:
		var p RotationPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("bad rotation payload in overflow record: %w", err)
		}
		d.HandleRotation(p)
		return nil

	case CategoryStatusOff, CategoryStatusOn, CategoryStatusBtn:
		var item StatusItem
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return fmt.Errorf("bad status item in overflow record: %w", err)
		}
		d.EnqueueStatus(item)
		return nil

	case CategoryRotation:
		var item RotationItem
		if err := json.Unmarshal(rec.Payload, &item); err != nil {
			return fmt.Errorf("bad rotation item in overflow record: %w", err)
		}
		d.EnqueueRotation(item)
		return nil
	}
	return fmt.Errorf("unknown overflow category %q", rec.Category)
}

func (d *Dispatcher) spill(category string, payload any) {
	if err := d.overflow.Append(category, payload); err != nil {
		log.Printf("Failed to spill event to overflow (category=%s): %v", category, err)
	}
}
