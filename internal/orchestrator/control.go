package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/bgplab/livetest/internal/transport"
	"github.com/bgplab/livetest/pkg/livetest/model"
	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// agentFor returns the agent URL of host, or of the host running testID
// when host is empty.
func (o *Orchestrator) agentFor(ctx context.Context, host, testID string) (*url.URL, error) {
	if host != "" {
		return o.resolve(ctx, host)
	}
	o.mu.Lock()
	if r, ok := o.running[testID]; ok {
		o.mu.Unlock()
		return r.base, nil
	}
	for _, t := range o.active {
		if t.TestID == testID {
			host = t.Host
			break
		}
	}
	o.mu.Unlock()
	if host == "" {
		return nil, fmt.Errorf("%w: unknown host for test %q", ErrConfiguration, testID)
	}
	return o.resolve(ctx, host)
}

// isCurrent reports whether s is still the session held for its role.
func (o *Orchestrator) isCurrent(s *transport.Session) bool {
	cur, ok := o.reg.Get(s.Role())
	return ok && cur == s
}

type stopResult struct {
	stopped bool
	err     error
}

// StopTest asks the agent to stop testID. It returns the agent's verdict:
// false means the agent did not know the test. If the stop session ends
// before a reply, the error wraps ErrStopNoReply. An empty host is derived
// from the local runs or the last monitor snapshot.
func (o *Orchestrator) StopTest(ctx context.Context, host, testID string) (bool, error) {
	if testID == "" {
		return false, fmt.Errorf("%w: no test id", ErrConfiguration)
	}
	base, err := o.agentFor(ctx, host, testID)
	if err != nil {
		return false, err
	}

	result := make(chan stopResult, 1)
	var once sync.Once
	deliver := func(res stopResult) {
		once.Do(func() { result <- res })
	}
	// Callbacks of one session run sequentially, so lastErr needs no lock.
	var lastErr error
	h := transport.Funcs{
		Message: func(s *transport.Session, m transport.Message) {
			var reply model.StopReply
			if err := m.Decode(&reply); err != nil {
				log.Debug("ignoring stop message", "test", testID, "error", err)
				return
			}
			res := stopResult{stopped: reply.Stopped}
			if reply.Error != "" {
				res.err = fmt.Errorf("%w: %s", ErrRemoteTool, reply.Error)
			}
			deliver(res)
			s.Close()
		},
		Error: func(_ *transport.Session, err error) {
			lastErr = err
		},
		Close: func(s *transport.Session) {
			o.reg.Forget(s)
			err := ErrStopNoReply
			if lastErr != nil {
				err = fmt.Errorf("%w: %w", ErrStopNoReply, lastErr)
			}
			deliver(stopResult{err: err})
		},
	}
	s, err := o.reg.Acquire(ctx, transport.RoleStop, endpoint(base, spec.StopPath, nil),
		model.StopRequest{TestID: testID}, h)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrClosed, err)
	}

	select {
	case res := <-result:
		switch {
		case res.err != nil:
			stopRequests.WithLabelValues("error").Inc()
		case res.stopped:
			stopRequests.WithLabelValues("stopped").Inc()
		default:
			stopRequests.WithLabelValues("unknown").Inc()
		}
		log.Info("stop request", "test", testID, "stopped", res.stopped, "error", res.err)
		return res.stopped, res.err
	case <-ctx.Done():
		s.Close()
		return false, ctx.Err()
	}
}

// MonitorActiveTests subscribes to the active tests of host. Each snapshot
// replaces the previous one wholesale. A new call supersedes the previous
// subscription. The returned channel is closed when the subscription ends.
func (o *Orchestrator) MonitorActiveTests(ctx context.Context, host string) (<-chan struct{}, error) {
	base, err := o.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	h := transport.Funcs{
		Message: func(s *transport.Session, m transport.Message) {
			if !o.isCurrent(s) {
				return
			}
			var msg model.MonitorMessage
			if err := m.Decode(&msg); err != nil {
				log.Debug("ignoring monitor message", "host", host, "error", err)
				return
			}
			tests := append([]model.ActiveTestSummary(nil), msg.Tests...)
			for i := range tests {
				if tests[i].Host == "" {
					tests[i].Host = host
				}
			}
			o.mu.Lock()
			o.active = tests
			o.activeHost = host
			o.mu.Unlock()
			o.emitter.OnActiveTests(append([]model.ActiveTestSummary(nil), tests...))
		},
		Error: func(_ *transport.Session, err error) {
			o.emitter.OnError("", err)
		},
		Close: func(s *transport.Session) {
			o.reg.Forget(s)
		},
	}
	s, err := o.reg.Acquire(ctx, transport.RoleMonitor, endpoint(base, spec.MonitorPath, nil), nil, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return s.Done(), nil
}

// StopMonitoring closes the monitor subscription.
func (o *Orchestrator) StopMonitoring() {
	o.reg.Release(transport.RoleMonitor)
}

// ActiveTests returns the last monitor snapshot and the host it came from.
func (o *Orchestrator) ActiveTests() ([]model.ActiveTestSummary, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.ActiveTestSummary(nil), o.active...), o.activeHost
}

// ViewTestOutput attaches a read-only viewer to testID. The agent replays
// the output so far and then follows it. Lines accumulate until the next
// call, which supersedes the previous viewer. The returned channel is closed
// when the viewer session ends.
func (o *Orchestrator) ViewTestOutput(ctx context.Context, host, testID string) (<-chan struct{}, error) {
	if testID == "" {
		return nil, fmt.Errorf("%w: no test id", ErrConfiguration)
	}
	base, err := o.agentFor(ctx, host, testID)
	if err != nil {
		return nil, err
	}
	// Lines are kept only while v is the current view, so messages still in
	// flight from a superseded viewer are dropped.
	v := &viewOutput{id: testID}
	o.mu.Lock()
	o.view = v
	o.mu.Unlock()

	h := transport.Funcs{
		Message: func(s *transport.Session, m transport.Message) {
			if !o.isCurrent(s) {
				return
			}
			text := m.Text()
			var msg model.ServerMessage
			if m.Decode(&msg) == nil {
				text = msg.Output
			}
			lines := splitLines(text)
			o.mu.Lock()
			if o.view != v {
				o.mu.Unlock()
				return
			}
			v.lines = append(v.lines, lines...)
			o.mu.Unlock()
			for _, line := range lines {
				o.emitter.OnViewerOutput(testID, line)
			}
		},
		Error: func(_ *transport.Session, err error) {
			o.emitter.OnError(testID, err)
		},
		Close: func(s *transport.Session) {
			o.reg.Forget(s)
		},
	}
	q := url.Values{spec.TestIDParam: {testID}}
	s, err := o.reg.Acquire(ctx, transport.RoleViewer, endpoint(base, spec.ViewPath, q), nil, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return s.Done(), nil
}

// StopViewing closes the output viewer.
func (o *Orchestrator) StopViewing() {
	o.reg.Release(transport.RoleViewer)
}

// ViewerOutput returns the test id being viewed and the lines received.
func (o *Orchestrator) ViewerOutput() (string, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.view == nil {
		return "", nil
	}
	return o.view.id, append([]string(nil), o.view.lines...)
}
