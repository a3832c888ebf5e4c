package orchestrator

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bgplab/livetest/pkg/livetest/model"
)

// Emitter receives the normalized event stream of the orchestrator. Events
// of a single test are emitted in order; events of different sessions may
// interleave arbitrarily.
type Emitter interface {
	// OnStart is called when a test session has been created.
	OnStart(s model.TestSession)
	// OnOutput is called for every output line of a test.
	OnOutput(testID, line string)
	// OnError is called on remote tool and transport errors. testID is empty
	// for errors of monitor sessions.
	OnError(testID string, err error)
	// OnWarning is called on degraded but non-fatal conditions.
	OnWarning(testID string, err error)
	// OnFinished is called once when a test reaches a terminal state.
	OnFinished(s model.TestSession)
	// OnActiveTests is called with every monitor snapshot.
	OnActiveTests(tests []model.ActiveTestSummary)
	// OnViewerOutput is called for every line received by an output viewer.
	OnViewerOutput(testID, line string)
}

// Nop is an Emitter that discards every event.
type Nop struct{}

func (Nop) OnStart(model.TestSession)               {}
func (Nop) OnOutput(string, string)                 {}
func (Nop) OnError(string, error)                   {}
func (Nop) OnWarning(string, error)                 {}
func (Nop) OnFinished(model.TestSession)            {}
func (Nop) OnActiveTests([]model.ActiveTestSummary) {}
func (Nop) OnViewerOutput(string, string)           {}

// HumanReadable prints events to Out, or stdout if Out is nil.
type HumanReadable struct {
	Out io.Writer
	// Verbose prints session start and monitor snapshots too.
	Verbose bool
}

func (h HumanReadable) out() io.Writer {
	if h.Out == nil {
		return os.Stdout
	}
	return h.Out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// OnStart prints the tool and endpoints of a new test.
func (h HumanReadable) OnStart(s model.TestSession) {
	if h.Verbose {
		fmt.Fprintf(h.out(), "Starting %s on %s (%s -> %s) [%s]\n",
			s.Tool, s.Host, s.SourceIP, s.TargetIP, s.ID)
	}
}

// OnOutput prints an output line prefixed with the test id.
func (h HumanReadable) OnOutput(testID, line string) {
	fmt.Fprintf(h.out(), "[%s] %s\n", shortID(testID), line)
}

// OnError prints an error line.
func (h HumanReadable) OnError(testID string, err error) {
	fmt.Fprintf(h.out(), "[%s] ERROR: %v\n", shortID(testID), err)
}

// OnWarning prints a warning line.
func (h HumanReadable) OnWarning(testID string, err error) {
	fmt.Fprintf(h.out(), "[%s] WARNING: %v\n", shortID(testID), err)
}

// OnFinished prints the final state of a test.
func (h HumanReadable) OnFinished(s model.TestSession) {
	elapsed := s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(h.out(), "[%s] %s %s after %s\n", shortID(s.ID), s.Tool, s.State, elapsed)
}

// OnActiveTests prints the active test table.
func (h HumanReadable) OnActiveTests(tests []model.ActiveTestSummary) {
	if !h.Verbose && len(tests) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active tests: %d\n", len(tests))
	for _, t := range tests {
		fmt.Fprintf(&b, "  %s  %-10s %-12s %-8s viewers=%d\n",
			t.TestID, t.Tool, t.Host, t.Status, t.ViewerCount)
	}
	fmt.Fprint(h.out(), b.String())
}

// OnViewerOutput prints a line received by the output viewer.
func (h HumanReadable) OnViewerOutput(testID, line string) {
	fmt.Fprintf(h.out(), "(view %s) %s\n", shortID(testID), line)
}

var (
	_ Emitter = Nop{}
	_ Emitter = HumanReadable{}
)
