package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the approval state of a timesheet entry. Values are stored by ordinal.
type Status int

const (
	StatusNew Status = iota
	StatusPending
	StatusApproved
	StatusRejected
)

var statusNames = [...]string{"New", "Pending", "Approved", "Rejected"}

func (s Status) Valid() bool {
	return s >= StatusNew && s <= StatusRejected
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// IsTerminal reports whether an approver has already decided on the entry.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ParseStatus accepts either the name (case-insensitive) or the ordinal.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(name, v) {
			return Status(i), nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

// UnmarshalJSON accepts the ordinal form used by existing clients as well as the name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Status(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("status must be a number or a string: %w", err)
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// transitions lists the moves an entry may make when strict transitions are enforced.
// Staying in the same status is always allowed.
var transitions = map[Status][]Status{
	StatusNew:     {StatusPending},
	StatusPending: {StatusApproved, StatusRejected},
}

// CanTransition reports whether from -> to is part of the guarded lifecycle.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
