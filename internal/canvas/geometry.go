package canvas

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownNode is returned for node ids not in the model.
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownLink is returned for link ids not in the model.
	ErrUnknownLink = errors.New("unknown link")
	// ErrArcNotPersistable is returned by DragEnd for links whose arc has no
	// persistence endpoint.
	ErrArcNotPersistable = errors.New("link arc cannot be persisted")
)

const (
	// DefaultNodeRadius is the hit radius of a node.
	DefaultNodeRadius = 20.0
	// DefaultLinkTolerance is the maximum distance of a hit from a link.
	DefaultLinkTolerance = 6.0

	curveSamples = 32
)

// Point is a canvas position.
type Point struct {
	X, Y float64
}

func (p Point) add(q Point) Point      { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) sub(q Point) Point      { return Point{p.X - q.X, p.Y - q.Y} }
func (p Point) scale(f float64) Point  { return Point{p.X * f, p.Y * f} }
func (p Point) dot(q Point) float64    { return p.X*q.X + p.Y*q.Y }
func (p Point) dist(q Point) float64   { return math.Hypot(p.X-q.X, p.Y-q.Y) }
func midpoint(a, b Point) Point        { return a.add(b).scale(0.5) }
func lerp(a, b Point, t float64) Point { return a.add(b.sub(a).scale(t)) }

// LinkKind is the type of edge drawn between two nodes.
type LinkKind int

const (
	LinkNetwork LinkKind = iota
	LinkBgpSession
	LinkGreTunnel
)

func (k LinkKind) String() string {
	switch k {
	case LinkNetwork:
		return "network"
	case LinkBgpSession:
		return "bgp_session"
	case LinkGreTunnel:
		return "gre_tunnel"
	}
	return fmt.Sprintf("LinkKind(%d)", int(k))
}

// Persistable reports whether arcs of this kind are stored by the topology
// service.
func (k LinkKind) Persistable() bool {
	return k == LinkBgpSession || k == LinkGreTunnel
}

// Link is an edge of the canvas. Arc offsets the curve's control point from
// the chord midpoint, along the chord's left normal.
type Link struct {
	ID     string
	Kind   LinkKind
	Source string
	Target string
	Arc    float64
}

// ArcPersister stores the final arc of a dragged link.
type ArcPersister interface {
	PersistLinkArc(ctx context.Context, linkID string, arc float64, kind LinkKind) error
}

type placedNode struct {
	ref NodeRef
	pos Point
}

// Model holds node positions and link arcs. It is not safe for concurrent
// use.
type Model struct {
	NodeRadius    float64
	LinkTolerance float64

	persister ArcPersister
	nodes     map[string]*placedNode
	order     []string
	links     map[string]*Link
}

// NewModel returns an empty model persisting arcs through p.
func NewModel(p ArcPersister) *Model {
	return &Model{
		NodeRadius:    DefaultNodeRadius,
		LinkTolerance: DefaultLinkTolerance,
		persister:     p,
		nodes:         map[string]*placedNode{},
		links:         map[string]*Link{},
	}
}

// PlaceNode adds n at pos or moves it there.
func (m *Model) PlaceNode(n NodeRef, pos Point) {
	if pn, ok := m.nodes[n.ID]; ok {
		pn.ref, pn.pos = n, pos
		return
	}
	m.nodes[n.ID] = &placedNode{ref: n, pos: pos}
	m.order = append(m.order, n.ID)
}

// RemoveNode removes a node and the links attached to it.
func (m *Model) RemoveNode(id string) {
	if _, ok := m.nodes[id]; !ok {
		return
	}
	delete(m.nodes, id)
	for i, nid := range m.order {
		if nid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for lid, l := range m.links {
		if l.Source == id || l.Target == id {
			delete(m.links, lid)
		}
	}
}

// Node returns the node with the given id and its position.
func (m *Model) Node(id string) (NodeRef, Point, bool) {
	pn, ok := m.nodes[id]
	if !ok {
		return NodeRef{}, Point{}, false
	}
	return pn.ref, pn.pos, true
}

// AddLink adds or replaces l. Both endpoints must be placed.
func (m *Model) AddLink(l Link) error {
	for _, id := range []string{l.Source, l.Target} {
		if _, ok := m.nodes[id]; !ok {
			return fmt.Errorf("link %s: node %s: %w", l.ID, id, ErrUnknownNode)
		}
	}
	m.links[l.ID] = &l
	return nil
}

// Link returns a copy of the link with the given id.
func (m *Model) Link(id string) (Link, bool) {
	l, ok := m.links[id]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// HitNode returns the topmost node within NodeRadius of p.
func (m *Model) HitNode(p Point) (NodeRef, bool) {
	for i := len(m.order) - 1; i >= 0; i-- {
		pn := m.nodes[m.order[i]]
		if pn.pos.dist(p) <= m.NodeRadius {
			return pn.ref, true
		}
	}
	return NodeRef{}, false
}

// HitLink returns the id of the link closest to p, if any is within
// LinkTolerance.
func (m *Model) HitLink(p Point) (string, bool) {
	best, bestDist := "", math.Inf(1)
	for id, l := range m.links {
		a, c, b, ok := m.curve(l)
		if !ok {
			continue
		}
		prev := a
		for i := 1; i <= curveSamples; i++ {
			t := float64(i) / curveSamples
			next := lerp(lerp(a, c, t), lerp(c, b, t), t)
			if d := segmentDist(p, prev, next); d < bestDist {
				best, bestDist = id, d
			}
			prev = next
		}
	}
	if bestDist > m.LinkTolerance {
		return "", false
	}
	return best, true
}

// ArcThrough returns the arc that makes link id pass through p.
func (m *Model) ArcThrough(id string, p Point) (float64, error) {
	l, ok := m.links[id]
	if !ok {
		return 0, fmt.Errorf("%s: %w", id, ErrUnknownLink)
	}
	a, b := m.nodes[l.Source].pos, m.nodes[l.Target].pos
	n, ok := normal(a, b)
	if !ok {
		return 0, nil
	}
	// The apex of a quadratic curve is halfway to its control point.
	return 2 * p.sub(midpoint(a, b)).dot(n), nil
}

// DragStart notifies the start of a link drag. It changes no state.
func (m *Model) DragStart(id string) error {
	if _, ok := m.links[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownLink)
	}
	return nil
}

// DragUpdate sets the in-memory arc of a link.
func (m *Model) DragUpdate(id string, arc float64) {
	if l, ok := m.links[id]; ok {
		l.Arc = arc
	}
}

// DragEnd sets the arc of a link and persists it once. If persisting fails
// the in-memory arc keeps the new value.
func (m *Model) DragEnd(ctx context.Context, id string, arc float64) error {
	l, err := m.settle(id, arc)
	if err != nil {
		return err
	}
	return persistArc(ctx, m.persister, l)
}

// settle sets the final arc of a dragged link. It returns
// ErrArcNotPersistable for kinds the topology service does not store.
func (m *Model) settle(id string, arc float64) (Link, error) {
	l, ok := m.links[id]
	if !ok {
		return Link{}, fmt.Errorf("%s: %w", id, ErrUnknownLink)
	}
	l.Arc = arc
	if !l.Kind.Persistable() {
		return *l, fmt.Errorf("%s (%s): %w", id, l.Kind, ErrArcNotPersistable)
	}
	return *l, nil
}

func persistArc(ctx context.Context, p ArcPersister, l Link) error {
	if p == nil {
		return nil
	}
	if err := p.PersistLinkArc(ctx, l.ID, l.Arc, l.Kind); err != nil {
		return fmt.Errorf("persist arc of %s: %w", l.ID, err)
	}
	return nil
}

// curve returns the endpoints and control point of l.
func (m *Model) curve(l *Link) (a, c, b Point, ok bool) {
	src, ok1 := m.nodes[l.Source]
	dst, ok2 := m.nodes[l.Target]
	if !ok1 || !ok2 {
		return a, c, b, false
	}
	a, b = src.pos, dst.pos
	c = midpoint(a, b)
	if n, ok := normal(a, b); ok {
		c = c.add(n.scale(l.Arc))
	}
	return a, c, b, true
}

// normal returns the unit left normal of the chord a→b.
func normal(a, b Point) (Point, bool) {
	d := b.sub(a)
	length := math.Hypot(d.X, d.Y)
	if length == 0 {
		return Point{}, false
	}
	return Point{-d.Y / length, d.X / length}, true
}

func segmentDist(p, a, b Point) float64 {
	ab := b.sub(a)
	l2 := ab.dot(ab)
	if l2 == 0 {
		return p.dist(a)
	}
	t := math.Max(0, math.Min(1, p.sub(a).dot(ab)/l2))
	return p.dist(lerp(a, b, t))
}
