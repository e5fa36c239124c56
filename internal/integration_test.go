package internal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"npt-ingest-backend/internal/db"
	"npt-ingest-backend/internal/dedup"
	"npt-ingest-backend/internal/ingest"
	"npt-ingest-backend/internal/model"
	"npt-ingest-backend/internal/refdata"
	"npt-ingest-backend/internal/store"
)

// pipeline wires the full ingestion path the way the daemon does, minus the
// broker transport: payloads enter at the dispatcher and land in sqlite.
type pipeline struct {
	store      store.Store
	cache      *refdata.Cache
	stats      *ingest.Stats
	overflow   *ingest.OverflowLog
	dispatcher *ingest.Dispatcher
	replayer   *ingest.Replayer

	offQ, onQ, btnQ *ingest.Queue[ingest.StatusItem]
	rotQ            *ingest.Queue[ingest.RotationItem]

	offW, onW, btnW *ingest.StatusWriter
	rotW            *ingest.RotationWriter
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	s := store.NewGormStore(gormDB)

	overflow, err := ingest.NewOverflowLog(t.TempDir())
	require.NoError(t, err)

	p := &pipeline{
		store:    s,
		cache:    refdata.NewCache(s, time.Hour),
		stats:    &ingest.Stats{},
		overflow: overflow,
		offQ:     ingest.NewQueue[ingest.StatusItem](100),
		onQ:      ingest.NewQueue[ingest.StatusItem](100),
		btnQ:     ingest.NewQueue[ingest.StatusItem](100),
		rotQ:     ingest.NewQueue[ingest.RotationItem](100),
	}
	p.dispatcher = ingest.NewDispatcher(p.cache, dedup.NewStore(), overflow, p.stats, time.UTC,
		p.offQ, p.onQ, p.btnQ, p.rotQ)
	p.replayer = ingest.NewReplayer(overflow, p.dispatcher, p.stats, time.Hour)

	p.offW = ingest.NewStatusWriter(p.offQ, s, overflow, p.stats, ingest.CategoryStatusOff, 50, time.Second)
	p.onW = ingest.NewStatusWriter(p.onQ, s, overflow, p.stats, ingest.CategoryStatusOn, 50, time.Second)
	p.btnW = ingest.NewStatusWriter(p.btnQ, s, overflow, p.stats, ingest.CategoryStatusBtn, 50, time.Second)
	p.rotW = ingest.NewRotationWriter(p.rotQ, s, overflow, p.stats, 50, time.Second)
	return p
}

// drainWriters runs each writer against a cancelled context, which performs
// exactly one final flush of whatever is queued. Classes drain in timeline
// order so the test is deterministic; in production the reprocessor covers
// cross-class races.
func (p *pipeline) drainWriters() {
	done, cancel := context.WithCancel(context.Background())
	cancel()
	p.offW.Run(done)
	p.btnW.Run(done)
	p.onW.Run(done)
	p.rotW.Run(done)
}

func TestDowntimeLifecycle(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.store.DB().Create(&model.Machine{McNo: "mc-7", Name: "Dryer 7", IsActive: true}).Error)
	require.NoError(t, p.store.DB().Create(&model.Reason{RemoteNum: 3, Name: "No supply"}).Error)
	require.NoError(t, p.cache.Refresh(context.Background()))

	base := time.Now().Add(-10 * time.Minute)
	btn := 3

	p.dispatcher.HandleStatus(ingest.StatusPayload{Mc: "MC-7", Status: "off", Timestamp: base.UnixMilli()})
	p.dispatcher.HandleStatus(ingest.StatusPayload{Mc: "mc-7", Status: "btn", Timestamp: base.Add(time.Minute).UnixMilli(), Btn: &btn})
	p.dispatcher.HandleStatus(ingest.StatusPayload{Mc: "mc-7", Status: "on", Timestamp: base.Add(5 * time.Minute).UnixMilli()})
	p.dispatcher.HandleRotation(ingest.RotationPayload{Mc: "mc-7", Rotation: 1200, Timestamp: base.UnixMilli()})
	p.drainWriters()

	ctx := context.Background()
	iv, err := p.store.LatestInterval(ctx, "mc-7")
	require.NoError(t, err)
	require.NotNil(t, iv)
	assert.False(t, iv.Open())
	require.NotNil(t, iv.ReasonID)

	var rawCount, rotCount int64
	require.NoError(t, p.store.DB().Model(&model.RawStatusLog{}).Count(&rawCount).Error)
	require.NoError(t, p.store.DB().Model(&model.RotationSample{}).Count(&rotCount).Error)
	assert.Equal(t, int64(3), rawCount)
	assert.Equal(t, int64(1), rotCount)

	assert.Equal(t, int64(1), p.stats.IntervalsOpened.Load())
	assert.Equal(t, int64(1), p.stats.IntervalsClosed.Load())
	assert.Equal(t, int64(1), p.stats.ReasonsSet.Load())
}

// A machine that starts reporting before the admin app registers it spills
// to the overflow log; once the machine row exists and the cache refreshes,
// a replay pass recovers the full event history.
func TestOverflowRecoversEarlyMachine(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.cache.Refresh(context.Background()))

	base := time.Now().Add(-10 * time.Minute)
	p.dispatcher.HandleStatus(ingest.StatusPayload{Mc: "mc-9", Status: "off", Timestamp: base.UnixMilli()})
	p.dispatcher.HandleStatus(ingest.StatusPayload{Mc: "mc-9", Status: "on", Timestamp: base.Add(2 * time.Minute).UnixMilli()})
	assert.Equal(t, 2, p.overflow.Pending())
	assert.Equal(t, int64(2), p.stats.UnknownMachine.Load())

	require.NoError(t, p.store.DB().Create(&model.Machine{McNo: "mc-9", IsActive: true}).Error)
	require.NoError(t, p.cache.Refresh(context.Background()))

	p.replayer.ReplayOnce()
	p.drainWriters()

	iv, err := p.store.LatestInterval(context.Background(), "mc-9")
	require.NoError(t, err)
	require.NotNil(t, iv)
	assert.False(t, iv.Open())
	assert.Equal(t, 0, p.overflow.Pending())
	assert.Equal(t, int64(2), p.stats.Replayed.Load())
}

// Redelivered duplicates are absorbed at two layers: the dedup gate drops
// repeats of the last state, and the unique keys make the writes idempotent.
func TestRedeliveryDoesNotDuplicate(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.store.DB().Create(&model.Machine{McNo: "mc-1", IsActive: true}).Error)
	require.NoError(t, p.cache.Refresh(context.Background()))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		p.dispatcher.HandleStatus(ingest.StatusPayload{Mc: "mc-1", Status: "off", Timestamp: base.UnixMilli()})
	}
	p.dispatcher.HandleRotation(ingest.RotationPayload{Mc: "mc-1", Rotation: 42, Timestamp: base.UnixMilli()})
	p.dispatcher.HandleRotation(ingest.RotationPayload{Mc: "mc-1", Rotation: 42, Timestamp: base.UnixMilli()})
	p.drainWriters()

	var ivCount, rotCount int64
	require.NoError(t, p.store.DB().Model(&model.NptInterval{}).Count(&ivCount).Error)
	require.NoError(t, p.store.DB().Model(&model.RotationSample{}).Count(&rotCount).Error)
	assert.Equal(t, int64(1), ivCount)
	assert.Equal(t, int64(1), rotCount)
	assert.Equal(t, int64(2), p.stats.StatusDeduped.Load())
	assert.Equal(t, int64(1), p.stats.RotationDeduped.Load())
}
