// Package device holds the data model shared by the queue, the manager and
// the outer surfaces.
package device

import (
	"time"
)

type Status string

const (
	StatusOnline          Status = "online"
	StatusTempUnavailable Status = "temp_unavailable"
	StatusOffline         Status = "offline"
)

type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// ParseAction accepts "on" and "off" only.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionOn, ActionOff:
		return Action(s), nil
	}
	return "", ErrInvalidAction
}

// Credentials are handed to the transport only when it asks for them.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Entry is one whitelisted device. Immutable after load.
type Entry struct {
	MAC         string
	ID          string
	Name        string
	Target      string
	Credentials *Credentials
}

type ChildState struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
	IsOn  bool   `json:"is_on"`
}

// State is the cached view of a device served to readers.
type State struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	MAC         string       `json:"mac"`
	Status      Status       `json:"status"`
	IsOn        *bool        `json:"is_on"`
	Alias       string       `json:"alias,omitempty"`
	Model       string       `json:"model,omitempty"`
	IsStrip     bool         `json:"is_strip"`
	Children    []ChildState `json:"children"`
	LastIP      string       `json:"last_ip,omitempty"`
	LastUpdated time.Time    `json:"last_updated"`
	Error       string       `json:"error,omitempty"`
}

// NewState returns the startup state for e: offline with no topology.
func NewState(e Entry) State {
	return State{
		ID:          e.ID,
		Name:        e.Name,
		MAC:         e.MAC,
		Status:      StatusOffline,
		Children:    []ChildState{},
		LastUpdated: time.Now(),
	}
}

// Clone returns a deep copy safe to hand out to readers.
func (s State) Clone() State {
	c := s
	if s.IsOn != nil {
		on := *s.IsOn
		c.IsOn = &on
	}
	c.Children = make([]ChildState, len(s.Children))
	copy(c.Children, s.Children)
	return c
}

// HasChild reports whether the cached topology lists childID.
func (s State) HasChild(childID string) bool {
	for _, c := range s.Children {
		if c.ID == childID {
			return true
		}
	}
	return false
}

// Apply overwrites topology and power state with a fresh snapshot and marks
// the device online.
func (s *State) Apply(snap Snapshot, addr string) {
	on := snap.IsOn
	s.IsOn = &on
	s.Alias = snap.Alias
	s.Model = snap.Model
	s.IsStrip = len(snap.Children) > 0
	s.Children = make([]ChildState, len(snap.Children))
	copy(s.Children, snap.Children)
	if addr != "" {
		s.LastIP = addr
	}
	s.Status = StatusOnline
	s.Error = ""
	s.LastUpdated = time.Now()
}

// MarkUnavailable changes only status and error. Topology is left as is and
// last_updated moves only when the status actually changes.
func (s *State) MarkUnavailable(status Status, err error) {
	if s.Status != status {
		s.LastUpdated = time.Now()
	}
	s.Status = status
	if err != nil {
		s.Error = err.Error()
	}
}

// Snapshot is what the transport reports after a query.
type Snapshot struct {
	MAC      string
	Alias    string
	Model    string
	IsOn     bool
	Children []ChildState
}

// Command is a single power operation routed through a device's queue.
type Command struct {
	ID      string
	Action  Action
	ChildID string
}

// On reports the desired relay state.
func (c Command) On() bool {
	return c.Action == ActionOn
}

type EventKind string

const (
	EventControl  EventKind = "control"
	EventRefresh  EventKind = "refresh"
	EventStatus   EventKind = "status"
	EventDiscover EventKind = "discover"
)

// Event is one activity log record.
type Event struct {
	Timestamp  time.Time
	DeviceID   string
	DeviceMAC  string
	DeviceName string
	Kind       EventKind
	Action     string
	ChildID    string
	Status     Status
	Success    bool
	Message    string
}
