// Package npt holds the downtime state machine. Both the streaming batch
// writers and the cursor reprocessor fold events through Apply, so the two
// reconstruction paths cannot drift apart on transition policy.
package npt

import "time"

// EventKind classifies a status event.
type EventKind string

const (
	EventOff EventKind = "off"
	EventOn  EventKind = "on"
	EventBtn EventKind = "btn"
)

// Event is one timestamp-ordered status event for a single machine. ReasonID
// is the resolved internal reason id, set only for btn events.
type Event struct {
	Kind     EventKind
	At       time.Time
	ReasonID *int64
}

// State is the machine's latest-interval snapshot: the most recent interval
// row, open or closed, or nothing at all. That single row is sufficient for
// every transition: off/on act on the open interval, and btn falls back to
// the most recently closed one.
type State struct {
	HasInterval bool
	OffTime     time.Time
	OnTime      *time.Time
	ReasonID    *int64
}

// Open reports whether the state carries an unclosed interval.
func (s State) Open() bool {
	return s.HasInterval && s.OnTime == nil
}

// ActionKind names a persistence effect produced by a transition.
type ActionKind string

const (
	// ActionOpen inserts a new open interval at Off.
	ActionOpen ActionKind = "open"
	// ActionClose sets on_time = On on the interval keyed by (machine, Off).
	ActionClose ActionKind = "close"
	// ActionSetReason sets the reason on the interval keyed by
	// (machine, Off), only while its reason is still unset.
	ActionSetReason ActionKind = "set-reason"
)

// Action is the persistence side effect of one transition. The state
// machine itself never touches storage.
type Action struct {
	Kind     ActionKind
	Off      time.Time
	On       time.Time
	ReasonID *int64
}

// Outcome classifies what a transition did, for counters and logging.
type Outcome string

const (
	OutcomeOpened        Outcome = "opened"
	OutcomeClosed        Outcome = "closed"
	OutcomeReasonSet     Outcome = "reason_set"
	OutcomeDuplicateOff  Outcome = "duplicate_off"
	OutcomeNoOpenOn      Outcome = "on_no_open"
	OutcomeOutOfOrderOn  Outcome = "on_out_of_order"
	OutcomeReasonSkipped Outcome = "btn_skipped"
	OutcomeNoTargetBtn   Outcome = "btn_no_target"
)

// Apply runs one event through the transition rules and returns the new
// state plus the persistence action, if any. Rules operate on event
// timestamps, never arrival order:
//
//   - off while closed opens a new interval; off while already open is
//     treated as a redelivery artifact and ignored.
//   - on closes the open interval when its timestamp is not before the
//     interval's off_time; an earlier timestamp, or no open interval, is a
//     counted no-op.
//   - btn sets the reason on the open interval, or on the most recently
//     closed interval while its reason is unset. A reason that is already
//     set is never overwritten (first reason wins).
func Apply(state State, ev Event) (State, *Action, Outcome) {
	switch ev.Kind {
	case EventOff:
		if state.Open() {
			return state, nil, OutcomeDuplicateOff
		}
		next := State{HasInterval: true, OffTime: ev.At}
		return next, &Action{Kind: ActionOpen, Off: ev.At}, OutcomeOpened

	case EventOn:
		if !state.Open() {
			return state, nil, OutcomeNoOpenOn
		}
		if ev.At.Before(state.OffTime) {
			return state, nil, OutcomeOutOfOrderOn
		}
		on := ev.At
		next := state
		next.OnTime = &on
		return next, &Action{Kind: ActionClose, Off: state.OffTime, On: on}, OutcomeClosed

	case EventBtn:
		if !state.HasInterval {
			return state, nil, OutcomeNoTargetBtn
		}
		if state.ReasonID != nil {
			return state, nil, OutcomeReasonSkipped
		}
		next := state
		next.ReasonID = ev.ReasonID
		return next, &Action{Kind: ActionSetReason, Off: state.OffTime, ReasonID: ev.ReasonID}, OutcomeReasonSet
	}

	return state, nil, OutcomeNoTargetBtn
}
