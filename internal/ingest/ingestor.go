package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"npt-ingest-backend/config"
	"npt-ingest-backend/internal/dedup"
	"npt-ingest-backend/internal/refdata"
	"npt-ingest-backend/internal/store"
)

// Ingestor assembles the full pipeline: transport, dispatcher, queues,
// batch writers, overflow replayer, reference cache, and dedup store.
type Ingestor struct {
	cfg   *config.Config
	store store.Store

	Stats    *Stats
	Cache    *refdata.Cache
	Dedup    *dedup.Store
	Overflow *OverflowLog

	offQueue *Queue[StatusItem]
	onQueue  *Queue[StatusItem]
	btnQueue *Queue[StatusItem]
	rotQueue *Queue[RotationItem]

	Dispatcher *Dispatcher
	Transport  *Transport
	replayer   *Replayer

	stopWorkers context.CancelFunc
	wg          sync.WaitGroup
}

// New builds an ingestor from configuration. It does not touch the network;
// Start performs the broker connection.
func New(cfg *config.Config, s store.Store) (*Ingestor, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	overflow, err := NewOverflowLog(cfg.Ingest.OverflowDir)
	if err != nil {
		return nil, err
	}

	ing := &Ingestor{
		cfg:      cfg,
		store:    s,
		Stats:    &Stats{},
		Cache:    refdata.NewCache(s, cfg.RefData.RefreshInterval),
		Dedup:    dedup.NewStore(),
		Overflow: overflow,
		offQueue: NewQueue[StatusItem](cfg.Ingest.QueueSize),
		onQueue:  NewQueue[StatusItem](cfg.Ingest.QueueSize),
		btnQueue: NewQueue[StatusItem](cfg.Ingest.QueueSize),
		rotQueue: NewQueue[RotationItem](cfg.Ingest.QueueSize),
	}

	ing.Dispatcher = NewDispatcher(
		ing.Cache, ing.Dedup, ing.Overflow, ing.Stats, loc,
		ing.offQueue, ing.onQueue, ing.btnQueue, ing.rotQueue,
	)
	ing.Transport = NewTransport(cfg.Broker, ing.Dispatcher, ing.Stats)
	ing.replayer = NewReplayer(ing.Overflow, ing.Dispatcher, ing.Stats, cfg.Ingest.ReplayInterval)
	return ing, nil
}

// Start seeds the dedup store, loads reference data, launches the workers,
// and connects to the broker. It returns an error only for fatal startup
// conditions (database unreachable, broker attempts exhausted).
func (ing *Ingestor) Start(ctx context.Context) error {
	statuses, err := ing.store.LatestStatusByMachine(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed status dedup state: %w", err)
	}
	ing.Dedup.SeedStatuses(statuses)

	rotations, err := ing.store.LatestRotationByMachine(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed rotation dedup state: %w", err)
	}
	ing.Dedup.SeedRotations(rotations)
	log.Printf("Seeded dedup state: %d statuses, %d rotation counts", len(statuses), len(rotations))

	// The reference cache must be populated before the first message
	// arrives, otherwise every machine spills as unknown.
	if err := ing.Cache.Refresh(ctx); err != nil {
		return fmt.Errorf("initial reference data load failed: %w", err)
	}

	// Workers run under their own cancel so Stop can disconnect the broker
	// before asking them to drain.
	ctx, ing.stopWorkers = context.WithCancel(ctx)

	ing.runWorker(ctx, func(c context.Context) { ing.Cache.Run(c) })
	ing.runWorker(ctx, func(c context.Context) {
		NewStatusWriter(ing.offQueue, ing.store, ing.Overflow, ing.Stats, CategoryStatusOff, ing.cfg.Ingest.BatchSize, ing.cfg.Ingest.FlushInterval).Run(c)
	})
	ing.runWorker(ctx, func(c context.Context) {
		NewStatusWriter(ing.onQueue, ing.store, ing.Overflow, ing.Stats, CategoryStatusOn, ing.cfg.Ingest.BatchSize, ing.cfg.Ingest.FlushInterval).Run(c)
	})
	ing.runWorker(ctx, func(c context.Context) {
		NewStatusWriter(ing.btnQueue, ing.store, ing.Overflow, ing.Stats, CategoryStatusBtn, ing.cfg.Ingest.BatchSize, ing.cfg.Ingest.FlushInterval).Run(c)
	})
	ing.runWorker(ctx, func(c context.Context) {
		NewRotationWriter(ing.rotQueue, ing.store, ing.Overflow, ing.Stats, ing.cfg.Ingest.BatchSize, ing.cfg.Ingest.FlushInterval).Run(c)
	})
	ing.runWorker(ctx, func(c context.Context) { ing.replayer.Run(c) })
	ing.runWorker(ctx, func(c context.Context) { ing.Stats.LogLoop(c, ing.cfg.Ingest.StatsInterval) })

	if err := ing.Transport.Connect(); err != nil {
		return err
	}
	return nil
}

// Stop shuts the pipeline down in delivery order: the broker session is
// closed first, so nothing new arrives, and only then are the workers
// cancelled for their final flush. Cancelling first would let a late
// handler enqueue onto a queue nobody drains anymore.
func (ing *Ingestor) Stop(grace time.Duration) {
	ing.Transport.Close()
	if ing.stopWorkers != nil {
		ing.stopWorkers()
	}

	done := make(chan struct{})
	go func() {
		ing.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All ingest workers drained cleanly")
	case <-time.After(grace):
		log.Printf("Ingest workers did not finish within %s; remaining events are in the overflow log", grace)
	}
}

// QueueDepths reports per-class queue pressure for diagnostics.
func (ing *Ingestor) QueueDepths() map[string]int {
	return map[string]int{
		"status_off": ing.offQueue.Depth(),
		"status_on":  ing.onQueue.Depth(),
		"status_btn": ing.btnQueue.Depth(),
		"rotation":   ing.rotQueue.Depth(),
	}
}

func (ing *Ingestor) runWorker(ctx context.Context, fn func(context.Context)) {
	ing.wg.Add(1)
	go func() {
		defer ing.wg.Done()
		fn(ctx)
	}()
}
