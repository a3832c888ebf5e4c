package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/bgplab/livetest/internal/orchestrator"
	"github.com/bgplab/livetest/pkg/livetest/model"
)

// ErrNoQuickTest is returned when a quick-test gesture completes without a
// configured test template.
var ErrNoQuickTest = errors.New("no quick test configured")

// KeyEscape is the key name that cancels a gesture.
const KeyEscape = "Escape"

// Mutator is the topology collaborator that applies completed gestures.
type Mutator interface {
	ArcPersister
	CreateLink(ctx context.Context, a, b NodeRef, network string) error
	CreateBgpSession(ctx context.Context, a, b NodeRef) error
	CreateGreTunnel(ctx context.Context, a, b NodeRef) error
	CreateTap(ctx context.Context, n NodeRef) error
}

// TestStarter starts live tests.
type TestStarter interface {
	StartTest(ctx context.Context, req model.TestRequest) (*orchestrator.Handle, error)
}

// QuickTest is the request template of quick-test gestures. The clicked
// node becomes the target; an empty SourceHost runs the test from the
// clicked node's own host.
type QuickTest struct {
	SourceHost string
	SourceIP   string
	Params     model.Params
}

// Request returns the test request for a click on n.
func (q QuickTest) Request(n NodeRef) (model.TestRequest, error) {
	if q.Params == nil {
		return model.TestRequest{}, ErrNoQuickTest
	}
	req := model.TestRequest{
		SourceHost: q.SourceHost,
		SourceIP:   q.SourceIP,
		TargetHost: n.Host,
		TargetIP:   n.IP,
		Params:     q.Params,
	}
	if req.SourceHost == "" {
		req.SourceHost = n.Host
	}
	return req, nil
}

// Controller routes pointer and keyboard events through the geometry model
// and the mode machine, and applies completed gestures. It is safe for
// concurrent use. Calls to the topology service and test starts run without
// the controller lock, so Escape and mode changes are never held up by them.
type Controller struct {
	mutator Mutator
	tests   TestStarter

	mu       sync.Mutex
	machine  *Machine
	geo      *Model
	quick    QuickTest
	dragging string
	lastTest *orchestrator.Handle
}

// NewController returns a controller applying gestures through mutator and
// starting quick tests through tests.
func NewController(geo *Model, networks NetworkLookup, mutator Mutator, tests TestStarter) *Controller {
	return &Controller{
		machine: NewMachine(networks),
		geo:     geo,
		mutator: mutator,
		tests:   tests,
	}
}

// SetQuickTest sets the template of quick-test gestures.
func (c *Controller) SetQuickTest(q QuickTest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quick = q
}

// EnterMode switches the editing mode.
func (c *Controller) EnterMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dragging = ""
	c.machine.Enter(mode)
}

// State returns the state of the mode machine.
func (c *Controller) State() Interaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// LastTest returns the handle of the last quick test started.
func (c *Controller) LastTest() *orchestrator.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTest
}

// PointerDown handles a press at p. A press on a node advances the gesture;
// in ModeSelect a press on a link starts dragging it.
func (c *Controller) PointerDown(ctx context.Context, p Point) (Outcome, error) {
	c.mu.Lock()
	n, ok := c.geo.HitNode(p)
	if !ok {
		defer c.mu.Unlock()
		return Outcome{}, c.dragStartLocked(p)
	}
	out, err := c.clickLocked(ctx, n)
	quick := c.quick
	c.mu.Unlock()

	if err != nil || out.Result == nil {
		return out, err
	}
	return out, c.apply(ctx, *out.Result, quick)
}

// clickLocked advances the gesture with a click on n. c.mu is released
// while the networks of a link are looked up; if the gesture changed
// meanwhile, the click is dropped.
func (c *Controller) clickLocked(ctx context.Context, n NodeRef) (Outcome, error) {
	first, ok := c.machine.linkFirst(n)
	if !ok {
		return c.machine.click(n, nil)
	}
	gen := c.machine.gen
	lookup := c.machine.networks
	c.mu.Unlock()
	networks, err := lookup.SharedNetworks(ctx, first, n)
	c.mu.Lock()
	if c.machine.gen != gen {
		log.Debug("gesture changed during network lookup", "node", n.ID)
		return Outcome{}, nil
	}
	return c.machine.click(n, func() ([]string, error) { return networks, err })
}

func (c *Controller) dragStartLocked(p Point) error {
	if c.machine.State().Mode != ModeSelect {
		return nil
	}
	id, ok := c.geo.HitLink(p)
	if !ok {
		return nil
	}
	if err := c.geo.DragStart(id); err != nil {
		return err
	}
	c.dragging = id
	return nil
}

// PointerMove updates the arc of the link being dragged.
func (c *Controller) PointerMove(p Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dragging == "" {
		return
	}
	if arc, err := c.geo.ArcThrough(c.dragging, p); err == nil {
		c.geo.DragUpdate(c.dragging, arc)
	}
}

// PointerUp ends a link drag, persisting the final arc.
func (c *Controller) PointerUp(ctx context.Context, p Point) error {
	c.mu.Lock()
	if c.dragging == "" {
		c.mu.Unlock()
		return nil
	}
	id := c.dragging
	c.dragging = ""
	arc, err := c.geo.ArcThrough(id, p)
	var l Link
	if err == nil {
		l, err = c.geo.settle(id, arc)
	}
	persister := c.geo.persister
	c.mu.Unlock()

	if errors.Is(err, ErrArcNotPersistable) {
		log.Debug("arc kept locally", "link", id)
		return nil
	}
	if err != nil {
		return err
	}
	if err := persistArc(ctx, persister, l); err != nil {
		log.Warn("link arc not persisted", "link", id, "error", err)
		return err
	}
	return nil
}

// Key handles a key press.
func (c *Controller) Key(key string) {
	if key != KeyEscape {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dragging = ""
	c.machine.Escape()
}

// ChooseNetwork completes a link awaiting a network choice.
func (c *Controller) ChooseNetwork(ctx context.Context, name string) error {
	c.mu.Lock()
	res, err := c.machine.ChooseNetwork(name)
	quick := c.quick
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.apply(ctx, res, quick)
}

// apply runs a completed gesture. It is called without c.mu held.
func (c *Controller) apply(ctx context.Context, g GestureResult, quick QuickTest) error {
	log.Debug("gesture completed", "mode", g.Mode, "source", g.Source.ID, "target", g.Target.ID,
		"network", g.Network)
	var err error
	switch g.Mode {
	case ModeAddLink:
		err = c.mutator.CreateLink(ctx, g.Source, g.Target, g.Network)
	case ModeAddBgpNeighbor:
		err = c.mutator.CreateBgpSession(ctx, g.Source, g.Target)
	case ModeAddGreTunnel:
		err = c.mutator.CreateGreTunnel(ctx, g.Source, g.Target)
	case ModeAddTap:
		err = c.mutator.CreateTap(ctx, g.Source)
	case ModeQuickTest:
		var req model.TestRequest
		if req, err = quick.Request(g.Source); err == nil {
			var h *orchestrator.Handle
			if h, err = c.tests.StartTest(ctx, req); err == nil {
				c.mu.Lock()
				c.lastTest = h
				c.mu.Unlock()
			}
		}
	default:
		err = fmt.Errorf("gesture in mode %s", g.Mode)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", g.Mode, g.Source.ID, err)
	}
	return nil
}
