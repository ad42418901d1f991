package bfd

// This file implements the BFD state machine (RFC 5880 Section 6.2,
// Section 6.8.6) as a pure function over a transition table. Side effects
// (timer resets, packet transmission, client notification) are returned
// as part of the result and executed by the session.

// Event is a BFD FSM event.
type Event uint8

const (
	// EventRecvAdminDown is receipt of a packet with State = AdminDown.
	EventRecvAdminDown Event = iota
	// EventRecvDown is receipt of a packet with State = Down.
	EventRecvDown
	// EventRecvInit is receipt of a packet with State = Init.
	EventRecvInit
	// EventRecvUp is receipt of a packet with State = Up.
	EventRecvUp
	// EventTimerExpired is detection time expiry (RFC 5880 Section 6.8.4).
	EventTimerExpired
	// EventAdminDown is a local administrative shutdown.
	EventAdminDown
	// EventAdminUp re-enables an administratively downed session.
	EventAdminUp
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventRecvAdminDown:
		return "RecvAdminDown"
	case EventRecvDown:
		return "RecvDown"
	case EventRecvInit:
		return "RecvInit"
	case EventRecvUp:
		return "RecvUp"
	case EventTimerExpired:
		return "TimerExpired"
	case EventAdminDown:
		return "AdminDown"
	case EventAdminUp:
		return "AdminUp"
	default:
		return "Unknown"
	}
}

// EventForRemoteState maps the State field of a received packet to the
// corresponding FSM event (RFC 5880 Section 6.8.6).
func EventForRemoteState(s State) Event {
	switch s {
	case StateAdminDown:
		return EventRecvAdminDown
	case StateDown:
		return EventRecvDown
	case StateInit:
		return EventRecvInit
	default:
		return EventRecvUp
	}
}

// FSMResult is the outcome of applying one event.
type FSMResult struct {
	// NewState is the state after the transition. Equal to the old state
	// when the event does not cause a transition.
	NewState State
	// Transitioned reports whether the state changed. Exactly one
	// transition can result from one event.
	Transitioned bool
	// Diag is the diagnostic to record with the transition, DiagNone
	// when the transition does not set one.
	Diag Diag
}

// FSMStep applies event to state and returns the resulting transition.
// The function is total: events that are no-ops in the given state return
// Transitioned=false.
func FSMStep(state State, event Event) FSMResult {
	next, diag := state, DiagNone

	switch state {
	case StateAdminDown:
		if event == EventAdminUp {
			next = StateDown
		}

	case StateDown:
		switch event {
		case EventRecvDown:
			next = StateInit
		case EventRecvInit:
			next = StateUp
		case EventAdminDown:
			next = StateAdminDown
			diag = DiagAdminDown
		}

	case StateInit:
		switch event {
		case EventRecvInit, EventRecvUp:
			next = StateUp
		case EventTimerExpired:
			next = StateDown
			diag = DiagControlTimeExpired
		case EventAdminDown:
			next = StateAdminDown
			diag = DiagAdminDown
		case EventRecvAdminDown:
			// RFC 5880 Section 6.8.6: AdminDown received in Init is
			// treated as Down.
			next = StateDown
			diag = DiagNeighborDown
		}

	case StateUp:
		switch event {
		case EventRecvAdminDown, EventRecvDown:
			next = StateDown
			diag = DiagNeighborDown
		case EventTimerExpired:
			next = StateDown
			diag = DiagControlTimeExpired
		case EventAdminDown:
			next = StateAdminDown
			diag = DiagAdminDown
		}
	}

	return FSMResult{
		NewState:     next,
		Transitioned: next != state,
		Diag:         diag,
	}
}
