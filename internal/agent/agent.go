// Package agent runs diagnostic tools on a managed host and serves their
// output over the livetest websocket endpoints.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/go/memoryless"

	"github.com/bgplab/livetest/internal/persistence"
	"github.com/bgplab/livetest/pkg/livetest/model"
	"github.com/bgplab/livetest/pkg/livetest/spec"
)

const (
	// DefaultFinishedTTL is how long finished tests stay viewable.
	DefaultFinishedTTL = 10 * time.Minute

	datatype       = "livetest"
	requestTimeout = 10 * time.Second
	stopWait       = 5 * time.Second
	closeWait      = time.Second
)

// DefaultMonitor is the interval distribution of monitor snapshots.
var DefaultMonitor = memoryless.Config{
	Min:      500 * time.Millisecond,
	Expected: time.Second,
	Max:      2 * time.Second,
}

var (
	// ErrDuplicateTest is reported when a start request reuses a known id.
	ErrDuplicateTest = errors.New("test id already in use")
	// ErrClosed is reported for start requests received after Close.
	ErrClosed = errors.New("agent closed")
)

// Config is the configuration of an Agent.
type Config struct {
	// Runner executes tools. Defaults to ExecRunner.
	Runner Runner
	// Host is reported in monitor snapshots. It may be empty.
	Host string
	// DataDir is where finished tests are archived. Empty disables
	// archiving.
	DataDir string
	// FinishedTTL is how long finished tests stay viewable.
	FinishedTTL time.Duration
	// Monitor is the interval distribution of monitor snapshots.
	Monitor memoryless.Config
}

// Agent owns the tool processes of a managed host.
type Agent struct {
	runner  Runner
	host    string
	dataDir string
	monitor memoryless.Config

	quit         chan struct{}
	wg           sync.WaitGroup
	finished     *ttlcache.Cache[string, *activeTest]
	stopArchiver func()

	mu      sync.Mutex
	closed  bool
	running map[string]*activeTest
}

// New returns an Agent. Call Close to stop its processes and archive the
// finished tests.
func New(cfg Config) *Agent {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.FinishedTTL <= 0 {
		cfg.FinishedTTL = DefaultFinishedTTL
	}
	if cfg.Monitor == (memoryless.Config{}) {
		cfg.Monitor = DefaultMonitor
	}
	a := &Agent{
		runner:  cfg.Runner,
		host:    cfg.Host,
		dataDir: cfg.DataDir,
		monitor: cfg.Monitor,
		quit:    make(chan struct{}),
		running: map[string]*activeTest{},
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *activeTest](cfg.FinishedTTL),
		ttlcache.WithDisableTouchOnHit[string, *activeTest](),
	)
	a.stopArchiver = cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, *activeTest]) {
		log.Debug("finished test evicted", "id", i.Key(), "reason", er)
		a.archive(i.Value())
	})
	go cache.Start()
	a.finished = cache
	return a
}

// Handler returns a mux serving the four livetest endpoints.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(spec.StartPath, a.Start)
	mux.HandleFunc(spec.MonitorPath, a.Monitor)
	mux.HandleFunc(spec.ViewPath, a.View)
	mux.HandleFunc(spec.StopPath, a.Stop)
	return mux
}

// Close stops every running process, waits for them to exit and archives
// all finished tests.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.quit)
	tests := make([]*activeTest, 0, len(a.running))
	for _, t := range a.running {
		tests = append(tests, t)
	}
	a.mu.Unlock()

	for _, t := range tests {
		t.stop()
	}
	a.wg.Wait()
	a.finished.DeleteAll()
	a.finished.Stop()
	// Waits for the eviction callbacks, which archive asynchronously.
	a.stopArchiver()
}

// Start runs the tool described by the first message of the session and
// streams its output.
func (a *Agent) Start(rw http.ResponseWriter, req *http.Request) {
	conn, err := Upgrade(rw, req)
	if err != nil {
		log.Info("websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	var sr model.StartRequest
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	if err := conn.ReadJSON(&sr); err != nil {
		log.Info("cannot read start request", "source", req.RemoteAddr, "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})
	if sr.TestID == "" {
		sr.TestID = uuid.Must(uuid.NewV7()).String()
	}

	t, err := a.launch(sr)
	if err != nil {
		log.Info("rejecting start request", "test", sr.TestID, "tool", sr.Tool, "error", err)
		conn.WriteJSON(model.ServerMessage{TestID: sr.TestID, Error: err.Error()})
		conn.WriteJSON(model.ServerMessage{TestID: sr.TestID, Status: spec.StatusFinished})
		closeNormally(conn, nil)
		return
	}

	gone := make(chan struct{})
	go readLoop(conn, gone)
	// The error travels with the exit line so that clients treating that
	// line as the end of the test still see it.
	ended, err := a.follow(t, gone, false, func(i int, line string) error {
		return conn.WriteJSON(model.ServerMessage{TestID: sr.TestID, Output: line, Error: t.errorAt(i)})
	})
	if !ended {
		// The client went away: the tool has no reader left.
		log.Debug("start session closed before the end of the test", "test", sr.TestID, "error", err)
		t.stop()
		return
	}
	conn.WriteJSON(model.ServerMessage{TestID: sr.TestID, Status: spec.StatusFinished})
	closeNormally(conn, gone)
}

// Monitor streams snapshots of the running tests until the client leaves.
func (a *Agent) Monitor(rw http.ResponseWriter, req *http.Request) {
	conn, err := Upgrade(rw, req)
	if err != nil {
		log.Info("websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go readLoop(conn, gone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticker, err := memoryless.NewTicker(ctx, a.monitor)
	if err != nil {
		log.Error("invalid monitor interval", "error", err)
		return
	}
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(model.MonitorMessage{Tests: a.Active()}); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-a.quit:
			closeNormally(conn, gone)
			return
		}
	}
}

// View replays the output of the test named by the test_id parameter and
// follows it until the test ends. Unknown tests are rejected with a policy
// violation close.
func (a *Agent) View(rw http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get(spec.TestIDParam)
	conn, err := Upgrade(rw, req)
	if err != nil {
		log.Info("websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	t := a.lookup(id)
	if t == nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown test")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		return
	}
	viewersConnected.Inc()
	defer viewersConnected.Dec()

	gone := make(chan struct{})
	go readLoop(conn, gone)
	ended, _ := a.follow(t, gone, true, func(_ int, line string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	})
	if ended {
		closeNormally(conn, gone)
	}
}

// Stop stops the test named by the request and replies whether it was
// running.
func (a *Agent) Stop(rw http.ResponseWriter, req *http.Request) {
	conn, err := Upgrade(rw, req)
	if err != nil {
		log.Info("websocket upgrade failed", "source", req.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	var sr model.StopRequest
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	if err := conn.ReadJSON(&sr); err != nil {
		log.Info("cannot read stop request", "source", req.RemoteAddr, "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	a.mu.Lock()
	t := a.running[sr.TestID]
	a.mu.Unlock()
	stopped := t != nil && t.stop()
	if stopped {
		select {
		case <-t.done:
		case <-time.After(stopWait):
			log.Warn("tool did not exit after stop", "test", sr.TestID)
		}
	}
	log.Info("stop request", "test", sr.TestID, "stopped", stopped)
	conn.WriteJSON(model.StopReply{TestID: sr.TestID, Stopped: stopped})
	closeNormally(conn, nil)
}

// Active returns the summaries of the running tests, oldest first.
func (a *Agent) Active() []model.ActiveTestSummary {
	a.mu.Lock()
	tests := make([]*activeTest, 0, len(a.running))
	for _, t := range a.running {
		tests = append(tests, t)
	}
	a.mu.Unlock()
	sort.Slice(tests, func(i, j int) bool {
		return tests[i].started.Before(tests[j].started)
	})
	out := make([]model.ActiveTestSummary, 0, len(tests))
	for _, t := range tests {
		out = append(out, t.summary())
	}
	return out
}

func (a *Agent) lookup(id string) *activeTest {
	a.mu.Lock()
	t, ok := a.running[id]
	a.mu.Unlock()
	if ok {
		return t
	}
	if item := a.finished.Get(id); item != nil {
		return item.Value()
	}
	return nil
}

// launch registers a test for sr and starts its process.
func (a *Agent) launch(sr model.StartRequest) (*activeTest, error) {
	name, args, err := Command(sr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := newActiveTest(sr, a.host, append([]string{name}, args...), cancel)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if _, dup := a.running[sr.TestID]; dup || a.finished.Get(sr.TestID) != nil {
		a.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%s: %w", sr.TestID, ErrDuplicateTest)
	}
	a.running[sr.TestID] = t
	a.wg.Add(1)
	a.mu.Unlock()

	go a.run(ctx, t, name, args)
	return t, nil
}

func (a *Agent) run(ctx context.Context, t *activeTest, name string, args []string) {
	defer a.wg.Done()
	defer t.cancel()
	tool := string(t.req.Tool)
	processesRunning.WithLabelValues(tool).Inc()
	log.Info("starting tool", "test", t.id(), "cmd", name, "args", args)

	var lastStderr string
	code, err := a.runner.Run(ctx, name, args, func(s Stream, line string) {
		if s == Stderr {
			lastStderr = line
		}
		t.publish(line)
	})
	processesRunning.WithLabelValues(tool).Dec()

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	var errMsg string
	result := "ok"
	switch {
	case err != nil:
		errMsg = fmt.Sprintf("%s: %v", name, err)
		result = "error"
	case stopped:
		result = "stopped"
	case code != 0:
		errMsg = fmt.Sprintf("%s exited with code %d", name, code)
		if lastStderr != "" {
			errMsg += ": " + lastStderr
		}
		result = "failed"
	}
	t.finish(code, errMsg)
	testsCompleted.WithLabelValues(tool, result).Inc()
	log.Info("tool exited", "test", t.id(), "cmd", name, "code", code, "result", result)

	a.mu.Lock()
	delete(a.running, t.id())
	a.finished.Set(t.id(), t, ttlcache.DefaultTTL)
	a.mu.Unlock()
}

// follow writes the output of t, with the index of each line, from its first
// line until the test ends or gone is closed. It reports whether the test
// ended.
func (a *Agent) follow(t *activeTest, gone <-chan struct{}, viewer bool, write func(int, string) error) (bool, error) {
	ch, unwatch := t.watch(viewer)
	defer unwatch()
	quit := a.quit
	cursor := 0
	for {
		lines, ended := t.since(cursor)
		for i, line := range lines {
			if err := write(cursor+i, line); err != nil {
				return false, err
			}
		}
		cursor += len(lines)
		if ended {
			return true, nil
		}
		select {
		case <-ch:
		case <-gone:
			return false, nil
		case <-quit:
			// Keep following: Close stops every test, which ends this loop.
			quit = nil
		}
	}
}

func (a *Agent) archive(t *activeTest) {
	if a.dataDir == "" {
		return
	}
	rec := t.record()
	_, err := persistence.WriteDataFile(a.dataDir, datatype, a.host, rec.TestID, rec)
	if err != nil {
		archiveErrors.Inc()
		log.Error("failed to archive test", "id", rec.TestID, "error", err)
	}
}
