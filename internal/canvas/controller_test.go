package canvas

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bgplab/livetest/internal/orchestrator"
	"github.com/bgplab/livetest/pkg/livetest/model"
)

type fakeStarter struct {
	reqs []model.TestRequest
	err  error
}

func (f *fakeStarter) StartTest(_ context.Context, req model.TestRequest) (*orchestrator.Handle, error) {
	f.reqs = append(f.reqs, req)
	return nil, f.err
}

func newTestController(t *testing.T, networks NetworkLookup) (*Controller, *fakeMutator, *fakeStarter) {
	t.Helper()
	f := &fakeMutator{}
	s := &fakeStarter{}
	c := NewController(newTestModel(t, f), networks, f, s)
	return c, f, s
}

var (
	onA = Point{1, 1}
	onB = Point{99, 1}
)

func TestController_Gestures(t *testing.T) {
	tests := []struct {
		mode   Mode
		clicks []Point
		want   string
	}{
		{ModeAddLink, []Point{onA, onB}, "link a-b lan0"},
		{ModeAddBgpNeighbor, []Point{onA, onB}, "bgp a-b"},
		{ModeAddGreTunnel, []Point{onB, onA}, "gre b-a"},
		{ModeAddTap, []Point{onB}, "tap b"},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			c, f, _ := newTestController(t, shared("lan0"))
			ctx := context.Background()
			c.EnterMode(tt.mode)
			for _, p := range tt.clicks {
				if _, err := c.PointerDown(ctx, p); err != nil {
					t.Fatalf("PointerDown(%v): %v", p, err)
				}
				c.PointerUp(ctx, p)
			}
			if strings.Join(f.calls, ";") != tt.want {
				t.Errorf("calls = %q, want %q", f.calls, tt.want)
			}
			if s := c.State(); s.Mode != ModeSelect {
				t.Errorf("mode = %v, want select", s.Mode)
			}
		})
	}
}

func TestController_EscapeAppliesNothing(t *testing.T) {
	c, f, _ := newTestController(t, nil)
	ctx := context.Background()
	c.EnterMode(ModeAddBgpNeighbor)
	c.PointerDown(ctx, onA)
	c.Key("a")
	if s := c.State(); s.First == nil {
		t.Fatalf("non-escape key cancelled the gesture")
	}
	c.Key(KeyEscape)
	c.PointerDown(ctx, onB)
	if len(f.calls) != 0 || c.State().Mode != ModeSelect {
		t.Errorf("calls = %q, state = %+v", f.calls, c.State())
	}
}

func TestController_PendingLink(t *testing.T) {
	c, f, _ := newTestController(t, shared("lan0", "lan1"))
	ctx := context.Background()
	c.EnterMode(ModeAddLink)
	c.PointerDown(ctx, onA)
	out, err := c.PointerDown(ctx, onB)
	if err != nil || out.Pending == nil {
		t.Fatalf("outcome = %+v, %v, want pending", out, err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("pending link mutated the topology")
	}
	if err := c.ChooseNetwork(ctx, "lan1"); err != nil {
		t.Fatalf("ChooseNetwork: %v", err)
	}
	if strings.Join(f.calls, ";") != "link a-b lan1" {
		t.Errorf("calls = %q", f.calls)
	}
}

func TestController_QuickTest(t *testing.T) {
	c, _, s := newTestController(t, nil)
	ctx := context.Background()

	c.EnterMode(ModeQuickTest)
	if _, err := c.PointerDown(ctx, onB); !errors.Is(err, ErrNoQuickTest) {
		t.Errorf("err = %v, want ErrNoQuickTest", err)
	}

	c.SetQuickTest(QuickTest{SourceHost: "r1", SourceIP: "10.0.0.1", Params: model.PingParams{Count: 4}})
	c.EnterMode(ModeQuickTest)
	if _, err := c.PointerDown(ctx, onB); err != nil {
		t.Fatalf("PointerDown: %v", err)
	}
	if len(s.reqs) != 1 {
		t.Fatalf("got %d test requests, want 1", len(s.reqs))
	}
	want := model.TestRequest{
		SourceHost: "r1", SourceIP: "10.0.0.1",
		TargetHost: "r2", TargetIP: "10.0.0.2",
		Params: model.PingParams{Count: 4},
	}
	if s.reqs[0] != want {
		t.Errorf("request = %+v, want %+v", s.reqs[0], want)
	}
}

func TestController_DragLink(t *testing.T) {
	c, f, _ := newTestController(t, nil)
	ctx := context.Background()

	// Press on the straight BGP link, drag it down, release.
	if _, err := c.PointerDown(ctx, Point{50, 1}); err != nil {
		t.Fatalf("PointerDown: %v", err)
	}
	for y := 2.0; y <= 20; y++ {
		c.PointerMove(Point{50, y})
	}
	if len(f.arcs) != 0 {
		t.Fatalf("moves persisted the arc")
	}
	if err := c.PointerUp(ctx, Point{50, 20}); err != nil {
		t.Fatalf("PointerUp: %v", err)
	}
	if len(f.arcs) != 1 || f.arcs[0].id != "bgp1" || f.arcs[0].arc != 40 {
		t.Errorf("persist calls = %+v", f.arcs)
	}

	// No drag in drawing modes.
	c.EnterMode(ModeAddLink)
	c.PointerDown(ctx, Point{50, 10})
	c.PointerUp(ctx, Point{50, 30})
	if len(f.arcs) != 1 {
		t.Errorf("drag started outside select mode")
	}
}

// gatedStarter blocks StartTest until release is closed.
type gatedStarter struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedStarter) StartTest(ctx context.Context, _ model.TestRequest) (*orchestrator.Handle, error) {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil, nil
}

// within fails the test if f does not return in a second.
func within(t *testing.T, what string, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s blocked", what)
	}
}

func TestController_EventsDuringQuickTestStart(t *testing.T) {
	g := &gatedStarter{started: make(chan struct{}), release: make(chan struct{})}
	c := NewController(newTestModel(t, &fakeMutator{}), nil, &fakeMutator{}, g)
	c.SetQuickTest(QuickTest{Params: model.PingParams{}})
	c.EnterMode(ModeQuickTest)

	down := make(chan error, 1)
	go func() {
		_, err := c.PointerDown(context.Background(), onB)
		down <- err
	}()
	<-g.started
	defer func() {
		close(g.release)
		if err := <-down; err != nil {
			t.Errorf("PointerDown: %v", err)
		}
	}()

	within(t, "Escape", func() { c.Key(KeyEscape) })
	within(t, "EnterMode", func() { c.EnterMode(ModeAddTap) })
	within(t, "State", func() {
		if s := c.State(); s.Mode != ModeAddTap {
			t.Errorf("mode = %v, want add-tap", s.Mode)
		}
	})
}

func TestController_EscapeDuringNetworkLookup(t *testing.T) {
	asked := make(chan struct{})
	release := make(chan struct{})
	networks := networksFunc(func(ctx context.Context, _, _ NodeRef) ([]string, error) {
		close(asked)
		<-release
		return []string{"lan0"}, nil
	})
	c, f, _ := newTestController(t, networks)
	ctx := context.Background()
	c.EnterMode(ModeAddLink)
	c.PointerDown(ctx, onA)

	type result struct {
		out Outcome
		err error
	}
	down := make(chan result, 1)
	go func() {
		out, err := c.PointerDown(ctx, onB)
		down <- result{out, err}
	}()
	<-asked
	within(t, "Escape", func() { c.Key(KeyEscape) })
	close(release)

	r := <-down
	if r.err != nil || r.out.Result != nil || r.out.Pending != nil {
		t.Errorf("outcome = %+v, %v, want the click dropped", r.out, r.err)
	}
	if len(f.calls) != 0 {
		t.Errorf("calls = %q after escape", f.calls)
	}
	if s := c.State(); s.Mode != ModeSelect || s.First != nil {
		t.Errorf("state = %+v, want select", s)
	}
}
