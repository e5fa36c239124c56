package model

import "time"

// Machine is a reference record for a production machine. Rows are owned by
// the administrative application; the ingestion core only reads them.
type Machine struct {
	ID        int64  `gorm:"primaryKey"`
	McNo      string `gorm:"size:64;uniqueIndex;not null"` // normalized lower-case external id
	Name      string `gorm:"size:256"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reason is a stop-reason reference record. RemoteNum is the physical
// stop-button code the devices publish.
type Reason struct {
	ID          int64  `gorm:"primaryKey"`
	RemoteNum   int    `gorm:"uniqueIndex;not null"`
	Name        string `gorm:"size:150"`
	MinTimeSecs int    // minimum qualifying downtime duration
	IsDeleted   bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
