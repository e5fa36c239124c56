package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"npt-ingest-backend/internal/model"
	"npt-ingest-backend/internal/npt"
)

// Store defines the persistence operations the ingestion core needs.
type Store interface {
	DB() *gorm.DB
	Transaction(ctx context.Context, fn func(Store) error) error

	// Reference data (read-only, owned by the admin application).
	ActiveMachines(ctx context.Context) ([]model.Machine, error)
	ActiveReasons(ctx context.Context) ([]model.Reason, error)

	// Dedup seeding.
	LatestStatusByMachine(ctx context.Context) (map[string]string, error)
	LatestRotationByMachine(ctx context.Context) (map[string]int64, error)

	// Idempotent bulk appends.
	InsertRotations(ctx context.Context, samples []model.RotationSample) error
	AppendRawStatus(ctx context.Context, entries []model.RawStatusLog) error

	// Interval reconstruction.
	ApplyStatusEvents(ctx context.Context, mcNo string, events []npt.Event) ([]npt.Outcome, error)
	LatestInterval(ctx context.Context, mcNo string) (*model.NptInterval, error)
	RecentIntervals(ctx context.Context, limit int) ([]model.NptInterval, error)

	// Cursor reprocessing.
	RawStatusAfter(ctx context.Context, mcNo string, after *time.Time) ([]model.RawStatusLog, error)
	RawStatusMachines(ctx context.Context) ([]string, error)
	GetCursor(ctx context.Context, measurement string) (*time.Time, error)
	AdvanceCursor(ctx context.Context, measurement string, ts time.Time) error
	UpsertInterval(ctx context.Context, iv *model.NptInterval) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
	// Postgres supports FOR UPDATE SKIP LOCKED; the sqlite test databases
	// do not, so locking is keyed off the dialector.
	skipLocked bool
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{
		db:         db,
		skipLocked: db.Dialector.Name() == "postgres",
	}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a store bound to a single transaction.
func (s *gormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx, skipLocked: s.skipLocked})
	})
}

func (s *gormStore) ActiveMachines(ctx context.Context) ([]model.Machine, error) {
	var machines []model.Machine
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&machines).Error
	return machines, err
}

func (s *gormStore) ActiveReasons(ctx context.Context) ([]model.Reason, error) {
	var reasons []model.Reason
	err := s.db.WithContext(ctx).Where("is_deleted = ?", false).Find(&reasons).Error
	return reasons, err
}

// LatestStatusByMachine derives each machine's last-seen status from its
// newest interval row: an open interval means the machine last reported
// "off", a closed one means "on".
func (s *gormStore) LatestStatusByMachine(ctx context.Context) (map[string]string, error) {
	var intervals []model.NptInterval
	err := s.db.WithContext(ctx).
		Raw(`SELECT n.* FROM npt_intervals n
		     JOIN (SELECT mc_no, MAX(off_time) AS off_time FROM npt_intervals GROUP BY mc_no) latest
		       ON n.mc_no = latest.mc_no AND n.off_time = latest.off_time`).
		Scan(&intervals).Error
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]string, len(intervals))
	for _, iv := range intervals {
		if iv.Open() {
			statuses[iv.McNo] = "off"
		} else {
			statuses[iv.McNo] = "on"
		}
	}
	return statuses, nil
}

func (s *gormStore) LatestRotationByMachine(ctx context.Context) (map[string]int64, error) {
	var samples []model.RotationSample
	err := s.db.WithContext(ctx).
		Raw(`SELECT r.* FROM rotation_samples r
		     JOIN (SELECT mc_no, MAX(count_time) AS count_time FROM rotation_samples GROUP BY mc_no) latest
		       ON r.mc_no = latest.mc_no AND r.count_time = latest.count_time`).
		Scan(&samples).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(samples))
	for _, sm := range samples {
		counts[sm.McNo] = sm.Count
	}
	return counts, nil
}

// InsertRotations bulk-appends rotation samples. Conflicting
// (mc_no, count_time) rows are skipped so redelivery cannot double-count.
func (s *gormStore) InsertRotations(ctx context.Context, samples []model.RotationSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mc_no"}, {Name: "count_time"}},
		DoNothing: true,
	}).CreateInBatches(samples, 1000).Error
}

// AppendRawStatus bulk-appends raw status events for the cursor
// reprocessor, skipping duplicates.
func (s *gormStore) AppendRawStatus(ctx context.Context, entries []model.RawStatusLog) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mc_no"}, {Name: "status"}, {Name: "status_time"}},
		DoNothing: true,
	}).CreateInBatches(entries, 500).Error
}

// ApplyStatusEvents folds one machine's status events, sorted by event
// timestamp, through the downtime state machine in a single transaction.
// The latest interval row is read with a skip-locked lock so two workers
// racing on the same machine cannot deadlock; the loser's events come back
// on the next replay pass.
func (s *gormStore) ApplyStatusEvents(ctx context.Context, mcNo string, events []npt.Event) ([]npt.Outcome, error) {
	if len(events) == 0 {
		return nil, nil
	}

	sorted := make([]npt.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	outcomes := make([]npt.Outcome, 0, len(sorted))
	err := s.Transaction(ctx, func(txs Store) error {
		tx := txs.DB()

		latest, err := latestIntervalLocked(tx, mcNo, s.skipLocked)
		if err != nil {
			return err
		}

		state := stateFromInterval(latest)
		for _, ev := range sorted {
			next, action, outcome := npt.Apply(state, ev)
			if action != nil {
				if err := execAction(tx, mcNo, action); err != nil {
					return err
				}
			}
			state = next
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func latestIntervalLocked(tx *gorm.DB, mcNo string, skipLocked bool) (*model.NptInterval, error) {
	q := tx.Where("mc_no = ?", mcNo).Order("off_time DESC")
	if skipLocked {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var iv model.NptInterval
	if err := q.First(&iv).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &iv, nil
}

// stateFromInterval seeds the state machine from a machine's newest
// interval row; nil means the machine has never had downtime recorded.
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

func execAction(tx *gorm.DB, mcNo string, action *npt.Action) error {
	switch action.Kind {
	case npt.ActionOpen:
		iv := model.NptInterval{McNo: mcNo, OffTime: action.Off}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mc_no"}, {Name: "off_time"}},
			DoNothing: true,
		}).Create(&iv).Error

	case npt.ActionClose:
		return tx.Model(&model.NptInterval{}).
			Where("mc_no = ? AND off_time = ? AND on_time IS NULL", mcNo, action.Off).
			Update("on_time", action.On).Error

	case npt.ActionSetReason:
		return tx.Model(&model.NptInterval{}).
			Where("mc_no = ? AND off_time = ? AND reason_id IS NULL", mcNo, action.Off).
			Update("reason_id", action.ReasonID).Error
	}
	return fmt.Errorf("unknown interval action %q", action.Kind)
}

func (s *gormStore) LatestInterval(ctx context.Context, mcNo string) (*model.NptInterval, error) {
	var iv model.NptInterval
	err := s.db.WithContext(ctx).
		Where("mc_no = ?", mcNo).
		Order("off_time DESC").
		First(&iv).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &iv, nil
}

func (s *gormStore) RecentIntervals(ctx context.Context, limit int) ([]model.NptInterval, error) {
	if limit <= 0 {
		limit = 50
	}
	var intervals []model.NptInterval
	err := s.db.WithContext(ctx).
		Order("off_time DESC").
		Limit(limit).
		Find(&intervals).Error
	return intervals, err
}

func (s *gormStore) RawStatusAfter(ctx context.Context, mcNo string, after *time.Time) ([]model.RawStatusLog, error) {
	q := s.db.WithContext(ctx).Where("mc_no = ?", mcNo)
	if after != nil {
		q = q.Where("status_time > ?", *after)
	}
	var entries []model.RawStatusLog
	err := q.Order("status_time ASC").Find(&entries).Error
	return entries, err
}

func (s *gormStore) RawStatusMachines(ctx context.Context) ([]string, error) {
	var mcNos []string
	err := s.db.WithContext(ctx).
		Model(&model.RawStatusLog{}).
		Distinct("mc_no").
		Order("mc_no").
		Pluck("mc_no", &mcNos).Error
	return mcNos, err
}

func (s *gormStore) GetCursor(ctx context.Context, measurement string) (*time.Time, error) {
	var cursor model.ProcessorCursor
	err := s.db.WithContext(ctx).Where("measurement = ?", measurement).First(&cursor).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return cursor.LastTimestamp, nil
}

// AdvanceCursor upserts the stream watermark. Replayed passes call this
// with the same timestamp, which is a harmless overwrite.
func (s *gormStore) AdvanceCursor(ctx context.Context, measurement string, ts time.Time) error {
	cursor := model.ProcessorCursor{Measurement: measurement, LastTimestamp: &ts}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "measurement"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_timestamp", "updated_at"}),
	}).Create(&cursor).Error
}

// UpsertInterval writes an interval keyed on (mc_no, off_time), updating
// on_time and reason_id when the row already exists. The reprocessor uses
// it to repair rows the streaming path wrote with different results.
func (s *gormStore) UpsertInterval(ctx context.Context, iv *model.NptInterval) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mc_no"}, {Name: "off_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"on_time", "reason_id", "updated_at"}),
	}).Create(iv).Error
}
