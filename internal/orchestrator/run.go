package orchestrator

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bgplab/livetest/internal/transport"
	"github.com/bgplab/livetest/pkg/livetest/model"
	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// testRun is the state of one test session. It is the transport.Handler of
// the session's start connection, so its callbacks run sequentially.
type testRun struct {
	o    *Orchestrator
	base *url.URL

	mu      sync.Mutex
	snap    model.TestSession
	failed  bool
	scanned int
	ready   bool
	session *transport.Session
	// pair is the server half of an iperf client run.
	pair *testRun
	// warning is reported when the run starts.
	warning error
	done    chan struct{}
}

func newTestRun(o *Orchestrator, id string, base *url.URL, req model.TestRequest) *testRun {
	return &testRun{
		o:    o,
		base: base,
		snap: model.TestSession{
			ID:        id,
			Tool:      req.Tool(),
			Host:      req.SourceHost,
			SourceIP:  req.SourceIP,
			TargetIP:  req.TargetIP,
			State:     model.StatePending,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
}

func (r *testRun) id() string {
	return r.snap.ID
}

// snapshot returns a copy of the run's current state.
func (r *testRun) snapshot() model.TestSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *testRun) copyLocked() model.TestSession {
	s := r.snap
	s.OutputLines = append([]string(nil), r.snap.OutputLines...)
	return s
}

// attach records the transport session of the run. If the run already
// ended, the session is closed right away.
func (r *testRun) attach(s *transport.Session) {
	r.mu.Lock()
	terminal := r.snap.State.Terminal()
	r.session = s
	r.mu.Unlock()
	if terminal {
		s.Close()
	}
}

// stop closes the run's transport session. The run finishes from OnClose.
func (r *testRun) stop() {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// pairStop stops the server half of a run that never started.
func (r *testRun) pairStop() {
	if r.pair != nil {
		r.pair.stop()
	}
}

// checkReady scans output not seen by previous calls for a readiness
// marker. It also reports whether the run has ended.
func (r *testRun) checkReady() (ready, ended bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.ready && r.scanned < len(r.snap.OutputLines) {
		r.ready = isReadyLine(r.snap.OutputLines[r.scanned])
		r.scanned++
	}
	return r.ready, r.snap.State.Terminal()
}

// appendLine records an output line and reports whether it is an exit line.
func (r *testRun) appendLine(line string) bool {
	r.mu.Lock()
	if r.snap.State.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.snap.OutputLines = append(r.snap.OutputLines, line)
	r.mu.Unlock()
	r.o.emitter.OnOutput(r.id(), line)
	return isExitLine(line)
}

// fail records err as the run's error. The run ends as Errored.
func (r *testRun) fail(err error) {
	r.mu.Lock()
	if r.snap.State.Terminal() {
		r.mu.Unlock()
		return
	}
	r.failed = true
	if r.snap.Error == "" {
		r.snap.Error = err.Error()
	}
	r.snap.OutputLines = append(r.snap.OutputLines, "error: "+err.Error())
	r.mu.Unlock()
	r.o.emitter.OnError(r.id(), err)
}

// finish moves the run to its terminal state. Only the first call has an
// effect.
func (r *testRun) finish() {
	r.mu.Lock()
	if r.snap.State.Terminal() {
		r.mu.Unlock()
		return
	}
	r.snap.State = model.StateFinished
	if r.failed {
		r.snap.State = model.StateErrored
	}
	r.snap.EndedAt = time.Now()
	snap := r.copyLocked()
	s := r.session
	pair := r.pair
	r.mu.Unlock()

	close(r.done)
	if s != nil {
		s.Close()
	}
	if pair != nil {
		pair.stop()
	}
	r.o.complete(r, snap)
}

// OnOpen implements transport.Opener.
func (r *testRun) OnOpen(*transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State.CanTransition(model.StateRunning) {
		r.snap.State = model.StateRunning
	}
}

// OnMessage normalizes a message into output, error and finished events.
func (r *testRun) OnMessage(_ *transport.Session, m transport.Message) {
	var msg model.ServerMessage
	if err := m.Decode(&msg); err != nil {
		if m.Structured {
			log.Debug("unexpected message shape", "test", r.id(), "error", err)
		}
		msg = model.ServerMessage{Output: m.Text()}
	}

	finished := false
	for _, line := range splitLines(msg.Output) {
		if r.appendLine(line) {
			finished = true
		}
	}
	if msg.Error != "" {
		r.fail(fmt.Errorf("%w: %s", ErrRemoteTool, msg.Error))
	}
	if msg.Status == spec.StatusFinished {
		finished = true
	}
	if finished {
		r.finish()
	}
}

// OnError records a transport failure.
func (r *testRun) OnError(_ *transport.Session, err error) {
	r.fail(err)
}

// OnClose ends the run if it has not ended yet.
func (r *testRun) OnClose(s *transport.Session) {
	r.o.reg.Forget(s)
	r.finish()
}
