// Package canvas implements the editing logic of the topology canvas: the
// interaction mode machine that turns node clicks into gestures, the
// geometry model used for hit-testing and link arcs, and a Controller that
// applies completed gestures.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrSelfLoop is returned when both endpoints of a gesture are the same
	// node. The mode and the first endpoint are kept.
	ErrSelfLoop = errors.New("both endpoints are the same node")

	// ErrNoPendingLink is returned by ChooseNetwork when no link is awaiting
	// a network choice.
	ErrNoPendingLink = errors.New("no link awaiting a network choice")

	// ErrUnknownNetwork is returned by ChooseNetwork for a name that is not
	// one of the candidates.
	ErrUnknownNetwork = errors.New("not a candidate network")

	// ErrChoicePending is returned by ClickNode while a link awaits a
	// network choice.
	ErrChoicePending = errors.New("a link is awaiting a network choice")
)

// Mode is the editing mode of the canvas.
type Mode int

const (
	ModeSelect Mode = iota
	ModeAddLink
	ModeAddBgpNeighbor
	ModeAddGreTunnel
	ModeAddTap
	ModeQuickTest
)

var modeNames = map[Mode]string{
	ModeSelect:         "select",
	ModeAddLink:        "add-link",
	ModeAddBgpNeighbor: "add-bgp-neighbor",
	ModeAddGreTunnel:   "add-gre-tunnel",
	ModeAddTap:         "add-tap",
	ModeQuickTest:      "quick-test",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode returns the Mode named s.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeSelect, fmt.Errorf("unknown mode %q", s)
}

// Drawing reports whether m is a gesture mode.
func (m Mode) Drawing() bool {
	return m != ModeSelect
}

// endpoints is the number of nodes a gesture in mode m picks.
func (m Mode) endpoints() int {
	switch m {
	case ModeAddTap, ModeQuickTest:
		return 1
	case ModeSelect:
		return 0
	default:
		return 2
	}
}

// NodeRef identifies a node on the canvas and the managed host behind it.
type NodeRef struct {
	ID   string
	Host string
	IP   string
}

// PendingLink is an AddLink gesture whose endpoints share more than one
// network. The caller picks one of Networks.
type PendingLink struct {
	Source   NodeRef
	Target   NodeRef
	Networks []string
}

// Interaction is the state of the machine. It is a value: replacing it
// resets gesture progress.
type Interaction struct {
	Mode    Mode
	First   *NodeRef
	Pending *PendingLink
}

// GestureResult is a completed gesture. Target is the zero NodeRef for
// single-endpoint gestures. Network is set for AddLink gestures whose
// endpoints share exactly one network or after a network choice.
type GestureResult struct {
	Mode    Mode
	Source  NodeRef
	Target  NodeRef
	Network string
}

// Outcome is the result of a node click. At most one field is set.
type Outcome struct {
	Result  *GestureResult
	Pending *PendingLink
}

// NetworkLookup returns the networks two nodes are both attached to.
type NetworkLookup interface {
	SharedNetworks(ctx context.Context, a, b NodeRef) ([]string, error)
}

// Machine is the interaction mode state machine. It is not safe for
// concurrent use.
type Machine struct {
	state    Interaction
	networks NetworkLookup
	// gen counts state changes.
	gen uint64
}

// NewMachine returns a machine in ModeSelect. networks may be nil, in which
// case AddLink gestures never need disambiguation.
func NewMachine(networks NetworkLookup) *Machine {
	return &Machine{networks: networks}
}

// State returns a copy of the current state.
func (m *Machine) State() Interaction {
	s := Interaction{Mode: m.state.Mode}
	if m.state.First != nil {
		first := *m.state.First
		s.First = &first
	}
	if m.state.Pending != nil {
		p := *m.state.Pending
		p.Networks = slices.Clone(p.Networks)
		s.Pending = &p
	}
	return s
}

func (m *Machine) set(s Interaction) {
	m.state = s
	m.gen++
}

// Enter switches to mode, discarding any gesture in progress.
func (m *Machine) Enter(mode Mode) {
	m.set(Interaction{Mode: mode})
}

// Escape cancels the gesture in progress, including a pending network
// choice, and returns to ModeSelect.
func (m *Machine) Escape() {
	m.set(Interaction{})
}

// ClickNode advances the gesture with a click on n. Completing an AddLink
// gesture looks up the networks shared by both endpoints.
func (m *Machine) ClickNode(ctx context.Context, n NodeRef) (Outcome, error) {
	var lookup func() ([]string, error)
	if first, ok := m.linkFirst(n); ok {
		lookup = func() ([]string, error) {
			return m.networks.SharedNetworks(ctx, first, n)
		}
	}
	return m.click(n, lookup)
}

// linkFirst returns the first endpoint of the AddLink gesture a click on n
// would complete, if completing it needs a network lookup.
func (m *Machine) linkFirst(n NodeRef) (NodeRef, bool) {
	s := m.state
	if m.networks == nil || s.Mode != ModeAddLink || s.Pending != nil || s.First == nil || s.First.ID == n.ID {
		return NodeRef{}, false
	}
	return *s.First, true
}

// click advances the gesture with a click on n. lookup returns the shared
// networks of a completed AddLink gesture; nil means no disambiguation.
func (m *Machine) click(n NodeRef, lookup func() ([]string, error)) (Outcome, error) {
	if m.state.Pending != nil {
		return Outcome{}, ErrChoicePending
	}
	mode := m.state.Mode
	switch mode.endpoints() {
	case 0:
		return Outcome{}, nil
	case 1:
		m.set(Interaction{})
		return Outcome{Result: &GestureResult{Mode: mode, Source: n}}, nil
	}

	if m.state.First == nil {
		m.set(Interaction{Mode: mode, First: &n})
		return Outcome{}, nil
	}
	first := *m.state.First
	if first.ID == n.ID {
		return Outcome{}, fmt.Errorf("%s: %w", n.ID, ErrSelfLoop)
	}
	result := GestureResult{Mode: mode, Source: first, Target: n}
	if mode != ModeAddLink || lookup == nil {
		m.set(Interaction{})
		return Outcome{Result: &result}, nil
	}

	networks, err := lookup()
	if err != nil {
		return Outcome{}, err
	}
	switch len(networks) {
	case 0:
	case 1:
		result.Network = networks[0]
	default:
		pending := PendingLink{Source: first, Target: n, Networks: slices.Clone(networks)}
		m.set(Interaction{Mode: mode, Pending: &pending})
		p := pending
		p.Networks = slices.Clone(networks)
		return Outcome{Pending: &p}, nil
	}
	m.set(Interaction{})
	return Outcome{Result: &result}, nil
}

// ChooseNetwork completes a pending link with the named network.
func (m *Machine) ChooseNetwork(name string) (GestureResult, error) {
	p := m.state.Pending
	if p == nil {
		return GestureResult{}, ErrNoPendingLink
	}
	if !slices.Contains(p.Networks, name) {
		return GestureResult{}, fmt.Errorf("%q: %w", name, ErrUnknownNetwork)
	}
	m.set(Interaction{})
	return GestureResult{Mode: ModeAddLink, Source: p.Source, Target: p.Target, Network: name}, nil
}
