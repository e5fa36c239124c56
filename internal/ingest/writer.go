package ingest

import (
	"context"
	"log"
	"time"

	"npt-ingest-backend/internal/model"
	"npt-ingest-backend/internal/npt"
	"npt-ingest-backend/internal/store"
)

// StatusWriter drains one status-class queue into per-machine batches and
// applies them through the downtime state machine. A batch flushes when it
// reaches batchSize or when the flush interval elapses with items pending.
type StatusWriter struct {
	queue     *Queue[StatusItem]
	store     store.Store
	overflow  *OverflowLog
	stats     *Stats
	category  string
	batchSize int
	flushIvl  time.Duration
}

// NewStatusWriter creates a writer for one status class. category names the
// overflow file used when persistence fails.
func NewStatusWriter(q *Queue[StatusItem], s store.Store, overflow *OverflowLog, stats *Stats, category string, batchSize int, flushIvl time.Duration) *StatusWriter {
	return &StatusWriter{
		queue:     q,
		store:     s,
		overflow:  overflow,
		stats:     stats,
		category:  category,
		batchSize: batchSize,
		flushIvl:  flushIvl,
	}
}

// Run drains the queue until ctx is cancelled, then performs a final flush
// of whatever is still queued so a clean shutdown loses nothing.
func (w *StatusWriter) Run(ctx context.Context) {
	batch := make([]StatusItem, 0, w.batchSize)
	timer := time.NewTimer(w.flushIvl)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush(batch)
			return
		case item := <-w.queue.Chan():
			w.queue.MarkDequeued()
			batch = append(batch, item)
			if len(batch) >= w.batchSize {
				w.flush(context.Background(), batch)
				batch = batch[:0]
				resetTimer(timer, w.flushIvl)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushIvl)
		}
	}
}

// finalFlush drains the queue to exhaustion and writes everything it can;
// what still fails is already re-spilled to overflow by flush.
func (w *StatusWriter) finalFlush(batch []StatusItem) {
	for {
		item, ok := w.queue.TryDequeue()
		if !ok {
			break
		}
		batch = append(batch, item)
	}
	if len(batch) > 0 {
		w.flush(context.Background(), batch)
	}
}

// flush groups the batch per machine, appends the accepted events to the
// raw status log, and folds each machine's events through the state
// machine. A failing machine group is re-spilled item by item.
func (w *StatusWriter) flush(ctx context.Context, batch []StatusItem) {
	byMachine := make(map[string][]StatusItem)
	for _, item := range batch {
		byMachine[item.McNo] = append(byMachine[item.McNo], item)
	}

	for mcNo, items := range byMachine {
		if err := w.flushMachine(ctx, mcNo, items); err != nil {
			log.Printf("Status flush failed for mc=%s (%d events), re-spilling: %v", mcNo, len(items), err)
			w.stats.PersistSpilled.Add(int64(len(items)))
			for _, item := range items {
				if spillErr := w.overflow.Append(w.category, item); spillErr != nil {
					log.Printf("Failed to re-spill status item for mc=%s: %v", mcNo, spillErr)
				}
			}
		}
	}
}

func (w *StatusWriter) flushMachine(ctx context.Context, mcNo string, items []StatusItem) error {
	entries := make([]model.RawStatusLog, 0, len(items))
	for _, item := range items {
		entries = append(entries, model.RawStatusLog{
			McNo:       item.McNo,
			Status:     string(item.Kind),
			Btn:        item.Btn,
			StatusTime: item.At,
		})
	}
	if err := w.store.AppendRawStatus(ctx, entries); err != nil {
		return err
	}
	w.stats.RawLogged.Add(int64(len(entries)))

	events := make([]npt.Event, 0, len(items))
	for _, item := range items {
		events = append(events, item.Event())
	}

	outcomes, err := w.store.ApplyStatusEvents(ctx, mcNo, events)
	if err != nil {
		return err
	}
	for _, outcome := range outcomes {
		w.stats.CountOutcome(outcome)
	}
	return nil
}

// RotationWriter drains the rotation queue into idempotent bulk inserts.
type RotationWriter struct {
	queue     *Queue[RotationItem]
	store     store.Store
	overflow  *OverflowLog
	stats     *Stats
	batchSize int
	flushIvl  time.Duration
}

// NewRotationWriter creates the rotation batch writer.
func NewRotationWriter(q *Queue[RotationItem], s store.Store, overflow *OverflowLog, stats *Stats, batchSize int, flushIvl time.Duration) *RotationWriter {
	return &RotationWriter{
		queue:     q,
		store:     s,
		overflow:  overflow,
		stats:     stats,
		batchSize: batchSize,
		flushIvl:  flushIvl,
	}
}

// Run drains the rotation queue until ctx is cancelled, then final-flushes.
func (w *RotationWriter) Run(ctx context.Context) {
	batch := make([]RotationItem, 0, w.batchSize)
	timer := time.NewTimer(w.flushIvl)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				item, ok := w.queue.TryDequeue()
				if !ok {
					break
				}
				batch = append(batch, item)
			}
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
			}
			return
		case item := <-w.queue.Chan():
			w.queue.MarkDequeued()
			batch = append(batch, item)
			if len(batch) >= w.batchSize {
				w.flush(context.Background(), batch)
				batch = batch[:0]
				resetTimer(timer, w.flushIvl)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushIvl)
		}
	}
}

func (w *RotationWriter) flush(ctx context.Context, batch []RotationItem) {
	samples := make([]model.RotationSample, 0, len(batch))
	for _, item := range batch {
		samples = append(samples, model.RotationSample{McNo: item.McNo, Count: item.Count, CountTime: item.At})
	}

	if err := w.store.InsertRotations(ctx, samples); err != nil {
		log.Printf("Rotation flush failed (%d samples), re-spilling: %v", len(batch), err)
		w.stats.PersistSpilled.Add(int64(len(batch)))
		for _, item := range batch {
			if spillErr := w.overflow.Append(CategoryRotation, item); spillErr != nil {
				log.Printf("Failed to re-spill rotation item for mc=%s: %v", item.McNo, spillErr)
			}
		}
		return
	}
	w.stats.RotationFlushed.Add(int64(len(batch)))
}

// resetTimer safely re-arms a timer whose previous cycle may not have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
