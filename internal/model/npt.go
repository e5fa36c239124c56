package model

import "time"

// NptInterval is a reconstructed non-productive-time interval for a machine.
// OffTime is set when the interval is created; OnTime stays null while the
// interval is open. The (mc_no, off_time) pair is unique so redelivered OFF
// events cannot create a second row.
type NptInterval struct {
	ID       int64      `gorm:"primaryKey;autoIncrement"`
	McNo     string     `gorm:"size:64;not null;uniqueIndex:idx_npt_mc_off,priority:1"`
	OffTime  time.Time  `gorm:"not null;uniqueIndex:idx_npt_mc_off,priority:2"`
	OnTime   *time.Time `gorm:"index"`
	ReasonID *int64
	Reason   *Reason `gorm:"constraint:OnDelete:SET NULL"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the interval has not been closed yet.
func (n *NptInterval) Open() bool {
	return n.OnTime == nil
}

// RotationSample is an append-only production-rotation counter reading.
type RotationSample struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	McNo      string    `gorm:"size:64;not null;uniqueIndex:idx_rotation_mc_time,priority:1"`
	Count     int64     `gorm:"not null"`
	CountTime time.Time `gorm:"not null;uniqueIndex:idx_rotation_mc_time,priority:2"`
	CreatedAt time.Time
}

// RawStatusLog is the durable copy of accepted status events. It is the
// input the cursor reprocessor replays from; the streaming path only ever
// appends to it.
type RawStatusLog struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	McNo       string    `gorm:"size:64;not null;uniqueIndex:idx_rawlog_mc_status_time,priority:1;index:idx_rawlog_mc_time,priority:1"`
	Status     string    `gorm:"size:8;not null;uniqueIndex:idx_rawlog_mc_status_time,priority:2"`
	Btn        *int
	StatusTime time.Time `gorm:"not null;uniqueIndex:idx_rawlog_mc_status_time,priority:3;index:idx_rawlog_mc_time,priority:2"`
	CreatedAt  time.Time
}

// ProcessorCursor is the per-stream watermark the cursor reprocessor resumes
// from. LastTimestamp is null until the stream has been processed once.
type ProcessorCursor struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Measurement   string `gorm:"size:128;uniqueIndex;not null"`
	LastTimestamp *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
