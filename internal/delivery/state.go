// Package delivery enforces the lifecycle of optimistically created
// records, chiefly outgoing chat messages.
package delivery

import (
	"fmt"
	"slices"
)

// Status represents a message delivery state.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions defines the only legal moves. The pipeline is
// forward-only; the sole back-edges are sending->failed and the manual
// retry failed->sending.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Failed},
	Sent:      {Delivered},
	Delivered: {Read},
	Read:      {},
	Failed:    {Sending},
}

// Valid reports whether s is a known delivery status.
func Valid(s Status) bool {
	_, ok := validTransitions[s]
	return ok
}

// Can reports whether from -> to is a legal transition.
func Can(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates a status change. Returns an error for any move
// outside the transition table; a read message can never regress and a
// delivered message can never be marked failed.
func Transition(from, to Status) (Status, error) {
	if !Valid(from) {
		return from, fmt.Errorf("unknown delivery status %q", from)
	}
	if !Can(from, to) {
		return from, fmt.Errorf("invalid delivery transition from %s to %s", from, to)
	}
	return to, nil
}

// Terminal reports whether no further automatic transition is possible.
// Failed is not terminal: a manual retry re-enters the pipeline.
func Terminal(s Status) bool {
	return s == Read
}
