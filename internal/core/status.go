package core

import (
	"encoding/json"
	"fmt"
)

// Status is the delivery lifecycle stage of a message. The numeric codes are
// persisted and must stay stable.
type Status int

const (
	StatusUnrecognized Status = -1

	StatusPending   Status = 0
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusFailed    Status = 3
	StatusUnknown   Status = 4
)

var statusNames = map[Status]string{
	StatusPending:   "PENDING",
	StatusSent:      "SENT",
	StatusDelivered: "DELIVERED",
	StatusFailed:    "FAILED",
	StatusUnknown:   "UNKNOWN",
}

// transitions lists, for every status, the statuses it may move to.
var transitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed},
	StatusSent:    {StatusDelivered, StatusFailed, StatusUnknown},
	StatusUnknown: {StatusDelivered, StatusFailed},
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether a message in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status from which to is reachable in one step.
// SQL stores use it to make the status update a single conditional write.
func Predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusUnknown} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v := DefaultRegistry.Resolve(name)
	if v == StatusUnrecognized {
		return fmt.Errorf("unknown status %q", name)
	}
	*s = v
	return nil
}

// Registry maps status names to codes. Matching is exact and case-sensitive.
type Registry struct {
	byName map[string]Status
}

var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Status, len(statusNames))}
	for code, name := range statusNames {
		r.byName[name] = code
	}
	return r
}

// Resolve returns StatusUnrecognized for names outside the enumeration.
func (r *Registry) Resolve(name string) Status {
	if s, ok := r.byName[name]; ok {
		return s
	}
	return StatusUnrecognized
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(statusNames))
	for _, s := range []Status{StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusUnknown} {
		out = append(out, statusNames[s])
	}
	return out
}
