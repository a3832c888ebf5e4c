package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bgplab/livetest/pkg/livetest/model"
	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// Record is the archived form of a finished test.
type Record struct {
	TestID    string
	Tool      model.Tool
	Host      string
	SourceIP  string
	Target    string
	Params    json.RawMessage
	Command   []string
	Output    []string
	ExitCode  int
	Error     string `json:",omitempty"`
	Stopped   bool
	StartTime time.Time
	EndTime   time.Time
}

// activeTest is a tool process and its output. Output is kept in full so
// viewers can replay it.
type activeTest struct {
	req     model.StartRequest
	host    string
	command []string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	lines    []string
	watchers map[chan struct{}]struct{}
	viewers  int
	ended    time.Time
	exitLine int
	exitCode int
	errMsg   string
	stopped  bool
}

func newActiveTest(req model.StartRequest, host string, command []string, cancel context.CancelFunc) *activeTest {
	return &activeTest{
		req:      req,
		host:     host,
		command:  command,
		started:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
		watchers: map[chan struct{}]struct{}{},
	}
}

func (t *activeTest) id() string {
	return t.req.TestID
}

// publish appends a line and wakes up the watchers.
func (t *activeTest) publish(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	t.notifyLocked()
}

func (t *activeTest) notifyLocked() {
	for ch := range t.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// finish records the outcome of the process and appends the exit line. It
// must be called once.
func (t *activeTest) finish(exitCode int, errMsg string) {
	t.mu.Lock()
	t.exitCode = exitCode
	t.errMsg = errMsg
	t.lines = append(t.lines, fmt.Sprintf("%s with code %d", spec.ExitMarker, exitCode))
	t.exitLine = len(t.lines) - 1
	t.ended = time.Now()
	t.notifyLocked()
	t.mu.Unlock()
	close(t.done)
}

// stop kills the process. It reports false if the test already ended.
func (t *activeTest) stop() bool {
	t.mu.Lock()
	if !t.ended.IsZero() {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
	return true
}

// since returns the lines after cursor and whether the test has ended.
// Lines published before the end are always returned before ended is true.
func (t *activeTest) since(cursor int) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lines []string
	if cursor < len(t.lines) {
		lines = append(lines, t.lines[cursor:]...)
	}
	return lines, !t.ended.IsZero()
}

// watch returns a channel signalled on new output and on the end of the
// test, and a function to stop watching.
func (t *activeTest) watch(viewer bool) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.watchers[ch] = struct{}{}
	if viewer {
		t.viewers++
	}
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.watchers, ch)
		if viewer {
			t.viewers--
		}
		t.mu.Unlock()
	}
}

// errorAt returns the error of the test if line i is its exit line.
func (t *activeTest) errorAt(i int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended.IsZero() || i != t.exitLine {
		return ""
	}
	return t.errMsg
}

func (t *activeTest) summary() model.ActiveTestSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := spec.StatusRunning
	if !t.ended.IsZero() {
		status = spec.StatusFinished
	}
	return model.ActiveTestSummary{
		TestID:      t.req.TestID,
		Tool:        t.req.Tool,
		Host:        t.host,
		Status:      status,
		ViewerCount: t.viewers,
		Params:      t.req.Params,
	}
}

func (t *activeTest) record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Record{
		TestID:    t.req.TestID,
		Tool:      t.req.Tool,
		Host:      t.host,
		SourceIP:  t.req.SourceIP,
		Target:    t.req.Target,
		Params:    t.req.Params,
		Command:   t.command,
		Output:    append([]string(nil), t.lines...),
		ExitCode:  t.exitCode,
		Error:     t.errMsg,
		Stopped:   t.stopped,
		StartTime: t.started,
		EndTime:   t.ended,
	}
}
