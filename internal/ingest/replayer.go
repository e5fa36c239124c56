package ingest

import (
	"context"
	"log"
	"time"
)

// Replayer periodically drains the overflow log back through the
// dispatcher. Spilled events re-enter once their cause clears: an unknown
// machine after the reference cache refreshes, a full queue after the
// writers catch up, a failed batch after the database recovers.
type Replayer struct {
	overflow   *OverflowLog
	dispatcher *Dispatcher
	stats      *Stats
	interval   time.Duration
}

// NewReplayer wires the replayer to the overflow log and dispatcher.
func NewReplayer(overflow *OverflowLog, dispatcher *Dispatcher, stats *Stats, interval time.Duration) *Replayer {
	return &Replayer{
		overflow:   overflow,
		dispatcher: dispatcher,
		stats:      stats,
		interval:   interval,
	}
}

// Run replays once at startup (picking up files a previous process left
// behind) and then on the configured interval until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	r.ReplayOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReplayOnce()
		}
	}
}

// ReplayOnce drains every overflow file through the dispatcher. Events the
// dispatcher still cannot place are spilled again to fresh files, so a pass
// never loses anything and never loops on its own output.
func (r *Replayer) ReplayOnce() {
	replayed, err := r.overflow.Drain(func(rec OverflowRecord) error {
		if err := r.dispatcher.Resubmit(rec); err != nil {
			r.stats.ReplayFailed.Add(1)
			return err
		}
		r.stats.Replayed.Add(1)
		return nil
	})
	if err != nil {
		log.Printf("Overflow replay pass failed: %v", err)
	}
	if replayed > 0 {
		log.Printf("Replayed %d overflow records", replayed)
	}
}
