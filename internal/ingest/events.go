package ingest

import (
	"time"

	"npt-ingest-backend/internal/npt"
)

// StatusPayload is the wire form of a machine-status message.
type StatusPayload struct {
	Mc        string `json:"mc"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Btn       *int   `json:"btn,omitempty"`
}

// RotationPayload is the wire form of a rotation-count message.
type RotationPayload struct {
	Mc        string `json:"mc"`
	Rotation  int64  `json:"rotation"`
	Timestamp int64  `json:"timestamp"`
}

// StatusItem is a classified status event: machine resolved, timestamp
// normalized, and for button events the reason already mapped.
type StatusItem struct {
	McNo     string        `json:"mc_no"`
	Kind     npt.EventKind `json:"kind"`
	At       time.Time     `json:"at"`
	Btn      *int          `json:"btn,omitempty"`
	ReasonID *int64        `json:"reason_id,omitempty"`
}

// Event converts the item into the state machine's event form.
func (it StatusItem) Event() npt.Event {
	return npt.Event{Kind: it.Kind, At: it.At, ReasonID: it.ReasonID}
}

// RotationItem is a classified rotation sample.
type RotationItem struct {
	McNo  string    `json:"mc_no"`
	Count int64     `json:"count"`
	At    time.Time `json:"at"`
}
