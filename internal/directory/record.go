// Package directory persists call attempts. A record moves forward through
// initiated, ringing and connected and freezes once it reaches one of the
// terminal statuses ended, missed or rejected.
package directory

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound          = errors.New("call record not found")
	ErrAlreadyInCall     = errors.New("caller already has an active call")
	ErrPeerBusy          = errors.New("receiver already has an active call")
	ErrTerminal          = errors.New("call record is terminal")
	ErrInvalidTransition = errors.New("invalid call status transition")
)

// Status is the persisted lifecycle status of a call.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusMissed    Status = "missed"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s is ended, missed or rejected.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusRejected:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusRinging, StatusConnected, StatusEnded, StatusMissed, StatusRejected:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusRinging:
		return 1
	case StatusConnected:
		return 2
	default:
		return 3
	}
}

// CanTransitionTo reports whether a record in status s may move to next.
// missed and rejected are only reachable before the call connects.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	switch next {
	case StatusMissed, StatusRejected:
		return s == StatusInitiated || s == StatusRinging
	case StatusEnded:
		return true
	}
	return next.rank() > s.rank()
}

// CallType tells whether the caller asked for video.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Record is one persisted call attempt.
type Record struct {
	ID              string     `json:"id"`
	CallerID        string     `json:"caller_id"`
	ReceiverID      string     `json:"receiver_id"`
	Type            CallType   `json:"call_type"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

// Involves reports whether party is the caller or the receiver.
func (r Record) Involves(party string) bool {
	return r.CallerID == party || r.ReceiverID == party
}

// Peer returns the other party of the call as seen from self.
func (r Record) Peer(self string) string {
	if r.CallerID == self {
		return r.ReceiverID
	}
	return r.CallerID
}

func (r Record) validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("record id is required"))
	}
	if !r.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", r.Status))
	}
	if err := (NewCall{CallerID: r.CallerID, ReceiverID: r.ReceiverID, Type: r.Type}).validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewCall describes a call that is about to be placed.
type NewCall struct {
	CallerID   string
	ReceiverID string
	Type       CallType
}

func (n NewCall) validate() error {
	var errs []error
	if n.CallerID == "" {
		errs = append(errs, errors.New("caller id is required"))
	}
	if n.ReceiverID == "" {
		errs = append(errs, errors.New("receiver id is required"))
	}
	if n.CallerID != "" && n.CallerID == n.ReceiverID {
		errs = append(errs, errors.New("caller and receiver must differ"))
	}
	if n.Type != CallAudio && n.Type != CallVideo {
		errs = append(errs, fmt.Errorf("unknown call type %q", n.Type))
	}
	return errors.Join(errs...)
}

// Advance returns r moved to next at time now. Timestamps are filled in
// the way both stores persist them: startedAt once on connect, endedAt and
// the rounded duration on any terminal status.
func (r Record) Advance(next Status, now time.Time) (Record, error) {
	if r.Status.Terminal() {
		return r, ErrTerminal
	}
	if r.Status == next {
		return r, nil
	}
	if !r.Status.CanTransitionTo(next) {
		return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}

	out := r
	out.Status = next
	out.UpdatedAt = now
	if next == StatusConnected && out.StartedAt == nil {
		t := now
		out.StartedAt = &t
	}
	if next.Terminal() {
		t := now
		out.EndedAt = &t
		d := 0
		if out.StartedAt != nil {
			d = int(math.Round(now.Sub(*out.StartedAt).Seconds()))
		}
		out.DurationSeconds = &d
	}
	return out, nil
}
