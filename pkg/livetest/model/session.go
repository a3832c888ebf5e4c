package model

import "time"

// State is the lifecycle state of a test session. Transitions only move
// forward: Pending, Running, then Finished or Errored.
type State int

const (
	StatePending State = iota
	StateRunning
	StateFinished
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateErrored
}

// CanTransition reports whether moving from s to next is a forward move.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateRunning || next.Terminal()
	case StateRunning:
		return next.Terminal()
	default:
		return false
	}
}

// TestSession is a read-only snapshot of a test.
type TestSession struct {
	ID string `json:"id"`
	// ParentID is set on the server half of an iperf test and holds the id
	// of the client session.
	ParentID    string    `json:"parent_id,omitempty"`
	Tool        Tool      `json:"tool"`
	Host        string    `json:"host"`
	SourceIP    string    `json:"source_ip"`
	TargetIP    string    `json:"target_ip"`
	State       State     `json:"state"`
	OutputLines []string  `json:"output_lines"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}
