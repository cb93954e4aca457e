// Package session defines workflow sessions and their legal state
// transitions, with a Redis-backed store.
package session

import (
	"errors"
	"time"
)

// Kind discriminates the workflow a session belongs to.
type Kind string

const (
	KindChannel      Kind = "channel"
	KindRegistration Kind = "registration"
)

// State is a session lifecycle state.
type State string

const (
	StateOpen     State = "OPEN"
	StateClosed   State = "CLOSED"
	StateDeleted  State = "DELETED"
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

// Event names a requested transition.
type Event string

const (
	EventClose   Event = "close"
	EventReopen  Event = "reopen"
	EventDelete  Event = "delete"
	EventApprove Event = "approve"
	EventReject  Event = "reject"
)

var (
	ErrNotFound          = errors.New("session: not found")
	ErrConflict          = errors.New("session: active session already exists")
	ErrInvalidTransition = errors.New("session: invalid transition")
)

// transitions maps (kind, state, event) to the next state.
var transitions = map[Kind]map[State]map[Event]State{
	KindChannel: {
		StateOpen: {
			EventClose:  StateClosed,
			EventDelete: StateDeleted,
		},
		StateClosed: {
			EventReopen: StateOpen,
			EventDelete: StateDeleted,
		},
	},
	KindRegistration: {
		StatePending: {
			EventApprove: StateApproved,
			EventReject:  StateRejected,
		},
	},
}

// Next returns the state reached by applying event in state, or
// ErrInvalidTransition when the table has no edge.
func Next(kind Kind, state State, event Event) (State, error) {
	next, ok := transitions[kind][state][event]
	if !ok {
		return "", ErrInvalidTransition
	}
	return next, nil
}

// Terminal reports whether a state ends the session: its active-marker
// and bindings are removed once reached, and the record itself lingers
// only briefly so late actors can read the outcome.
func Terminal(state State) bool {
	switch state {
	case StateDeleted, StateApproved, StateRejected:
		return true
	}
	return false
}

// Session is the persisted record of one workflow instance.
type Session struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	ChannelID string    `json:"channel_id,omitempty"`
	OwnerID   string    `json:"owner_id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Scope     string    `json:"scope,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Message ids whose interactive components route back to this
	// session after a restart.
	BoundMessageIDs []string `json:"bound_message_ids,omitempty"`

	// Registration payload, present only for KindRegistration.
	ExternalID  string `json:"external_id,omitempty"`
	GameName    string `json:"game_name,omitempty"`
	RecruiterID string `json:"recruiter_id,omitempty"`
}

// Settings holds per-server workflow configuration managed at runtime.
type Settings struct {
	ThresholdRoleID string            `json:"threshold_role_id,omitempty"`
	CategoryID      string            `json:"category_id,omitempty"`
	PanelChannelID  string            `json:"panel_channel_id,omitempty"`
	MemberRoleID    string            `json:"member_role_id,omitempty"`
	RankTags        map[string]string `json:"rank_tags,omitempty"` // role id -> tag
}
