package reprocess

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
	"npt-ingest-backend/internal/model"
	"npt-ingest-backend/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	return store.NewGormStore(gormDB)
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 10, 14, minute, 0, 0, time.UTC)
}

func logRaw(t *testing.T, s store.Store, mcNo, status string, ts time.Time, btn *int) {
	t.Helper()
	require.NoError(t, s.AppendRawStatus(context.Background(), []model.RawStatusLog{
		{McNo: mcNo, Status: status, Btn: btn, StatusTime: ts},
	}))
}

func TestRunRebuildsTimelineFromRawLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DB().Create(&model.Reason{RemoteNum: 3, Name: "No supply"}).Error)
	btn := 3

	logRaw(t, s, "mc-1", "off", at(0), nil)
	logRaw(t, s, "mc-1", "btn", at(2), &btn)
	logRaw(t, s, "mc-1", "on", at(5), nil)
	logRaw(t, s, "mc-2", "off", at(1), nil)

	require.NoError(t, New(s).Run(ctx))

	iv, err := s.LatestInterval(ctx, "mc-1")
	require.NoError(t, err)
	require.NotNil(t, iv)
	assert.True(t, iv.OffTime.Equal(at(0)))
	require.NotNil(t, iv.OnTime)
	assert.True(t, iv.OnTime.Equal(at(5)))
	require.NotNil(t, iv.ReasonID)

	iv2, err := s.LatestInterval(ctx, "mc-2")
	require.NoError(t, err)
	require.NotNil(t, iv2)
	assert.Nil(t, iv2.OnTime, "mc-2 is still down")

	cursor, err := s.GetCursor(ctx, "machine_status_mc-1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(at(5)))
}

func TestSecondRunIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	logRaw(t, s, "mc-1", "off", at(0), nil)
	logRaw(t, s, "mc-1", "on", at(5), nil)

	r := New(s)
	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Run(ctx))

	var count int64
	require.NoError(t, s.DB().Model(&model.NptInterval{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestResumesAfterCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := New(s)

	logRaw(t, s, "mc-1", "off", at(0), nil)
	require.NoError(t, r.Run(ctx))

	// New events land after the first pass; only they are replayed.
	logRaw(t, s, "mc-1", "on", at(5), nil)
	logRaw(t, s, "mc-1", "off", at(8), nil)
	require.NoError(t, r.Run(ctx))

	ivs, err := s.RecentIntervals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ivs, 2)
	assert.True(t, ivs[0].OffTime.Equal(at(8)))
	assert.Nil(t, ivs[0].OnTime)
	require.NotNil(t, ivs[1].OnTime)
	assert.True(t, ivs[1].OnTime.Equal(at(5)))
}

func TestRepairsIntervalWrittenWithoutReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DB().Create(&model.Reason{RemoteNum: 7, Name: "Maintenance"}).Error)
	btn := 7

	// The streaming path wrote the open interval but the reason arrived
	// while the reason table did not yet have code 7.
	require.NoError(t, s.DB().Create(&model.NptInterval{McNo: "mc-1", OffTime: at(0)}).Error)
	logRaw(t, s, "mc-1", "off", at(0), nil)
	logRaw(t, s, "mc-1", "btn", at(2), &btn)

	require.NoError(t, New(s).RunMachine(ctx, "mc-1"))

	iv, err := s.LatestInterval(ctx, "mc-1")
	require.NoError(t, err)
	require.NotNil(t, iv.ReasonID)

	var count int64
	require.NoError(t, s.DB().Model(&model.NptInterval{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "the existing row is repaired, not duplicated")
}

func TestUnmappedButtonDoesNotTouchInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	btn := 42

	require.NoError(t, s.DB().Create(&model.NptInterval{McNo: "mc-1", OffTime: at(0)}).Error)
	var before model.NptInterval
	require.NoError(t, s.DB().First(&before).Error)

	logRaw(t, s, "mc-1", "off", at(0), nil)
	logRaw(t, s, "mc-1", "btn", at(1), &btn)
	require.NoError(t, New(s).Run(ctx))

	// No reason maps code 42, so the pass must not rewrite the row at all.
	var after model.NptInterval
	require.NoError(t, s.DB().First(&after).Error)
	assert.Nil(t, after.ReasonID)
	assert.True(t, after.UpdatedAt.Equal(before.UpdatedAt), "an unmapped button must not produce an interval write")

	// The event is still consumed; the cursor moves past it.
	cursor, err := s.GetCursor(ctx, "machine_status_mc-1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(at(1)))
}

func TestUnmappedButtonLeavesReasonUnset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	btn := 42

	logRaw(t, s, "mc-1", "off", at(0), nil)
	logRaw(t, s, "mc-1", "btn", at(1), &btn)

	require.NoError(t, New(s).Run(ctx))

	iv, err := s.LatestInterval(ctx, "mc-1")
	require.NoError(t, err)
	require.NotNil(t, iv)
	assert.Nil(t, iv.ReasonID)
}
