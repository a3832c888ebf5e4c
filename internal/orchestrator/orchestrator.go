// Package orchestrator drives live network tests on remote lab agents. It
// starts test sessions, sequences the two halves of iperf tests, watches
// the agents' active tests and keeps a bounded history of finished sessions.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bgplab/livetest/internal/hosts"
	"github.com/bgplab/livetest/internal/registry"
	"github.com/bgplab/livetest/internal/transport"
	"github.com/bgplab/livetest/pkg/livetest/model"
	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// Config is the configuration of an Orchestrator.
type Config struct {
	// Resolver maps managed host names to agent base URLs. Required.
	Resolver hosts.Resolver
	// Emitter receives the event stream. Defaults to Nop.
	Emitter Emitter
	// ReadyTimeout bounds the wait for an iperf server readiness marker.
	ReadyTimeout time.Duration
	// PollInterval is the interval between readiness checks.
	PollInterval time.Duration
	// HistorySize is the number of finished sessions kept.
	HistorySize int
	// NewID generates test ids. Defaults to UUIDv7 strings.
	NewID func() string
	// TransportOptions are applied to every session.
	TransportOptions []transport.Option
}

// Orchestrator owns the sessions to the lab agents. All methods are safe
// for concurrent use.
type Orchestrator struct {
	resolver     hosts.Resolver
	emitter      Emitter
	readyTimeout time.Duration
	pollInterval time.Duration
	newID        func() string
	reg          *registry.Registry

	mu         sync.Mutex
	closed     bool
	running    map[string]*testRun
	history    *history
	active     []model.ActiveTestSummary
	activeHost string
	view       *viewOutput
}

// viewOutput is the output received by one ViewTestOutput call.
type viewOutput struct {
	id    string
	lines []string
}

// New returns an Orchestrator for cfg.
func New(cfg Config) *Orchestrator {
	if cfg.Emitter == nil {
		cfg.Emitter = Nop{}
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = spec.IperfReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = spec.IperfReadyPollInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = spec.HistorySize
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string {
			return uuid.Must(uuid.NewV7()).String()
		}
	}
	return &Orchestrator{
		resolver:     cfg.Resolver,
		emitter:      cfg.Emitter,
		readyTimeout: cfg.ReadyTimeout,
		pollInterval: cfg.PollInterval,
		newID:        cfg.NewID,
		reg:          registry.New(cfg.TransportOptions...),
		running:      map[string]*testRun{},
		history:      newHistory(cfg.HistorySize),
	}
}

// Handle refers to a started test.
type Handle struct {
	client *testRun
	server *testRun
}

// ID returns the test id of the client session.
func (h *Handle) ID() string {
	return h.client.id()
}

// Snapshot returns the current state of the client session.
func (h *Handle) Snapshot() model.TestSession {
	return h.client.snapshot()
}

// Server returns the current state of the iperf server session, if any.
func (h *Handle) Server() (model.TestSession, bool) {
	if h.server == nil {
		return model.TestSession{}, false
	}
	return h.server.snapshot(), true
}

// Done is closed when the client session reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.client.done
}

// Wait blocks until the test ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (model.TestSession, error) {
	select {
	case <-h.client.done:
		return h.client.snapshot(), nil
	case <-ctx.Done():
		return h.client.snapshot(), ctx.Err()
	}
}

// StartTest starts req on the agent of its source host. For iperf client
// tests it first starts the server half on the target host and waits, up to
// the configured ready timeout, for the server to report readiness. A
// readiness timeout is reported as a warning and the client starts anyway.
//
// Configuration errors are returned before any connection is attempted.
// The readiness wait is not interrupted by ctx.
func (o *Orchestrator) StartTest(ctx context.Context, req model.TestRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	source, err := o.resolve(ctx, req.SourceHost)
	if err != nil {
		return nil, err
	}
	id := o.newID()

	serverReq, isIperf := req.IperfServer()
	if !isIperf {
		client := newTestRun(o, id, source, req)
		if err := o.launch(ctx, client, transport.RoleTest, req); err != nil {
			return nil, err
		}
		return &Handle{client: client}, nil
	}

	target, err := o.resolve(ctx, serverReq.SourceHost)
	if err != nil {
		return nil, err
	}
	server := newTestRun(o, o.newID(), target, serverReq)
	server.snap.ParentID = id
	if err := o.launch(ctx, server, transport.RoleIperfServer, serverReq); err != nil {
		return nil, err
	}

	client := newTestRun(o, id, source, req)
	client.pair = server
	if !o.awaitReady(server) {
		client.warning = fmt.Errorf("%w: client started after %s", ErrReadinessTimeout, o.readyTimeout)
		client.snap.OutputLines = append(client.snap.OutputLines, "warning: "+client.warning.Error())
		readinessTimeouts.Inc()
		log.Warn("iperf server not ready", "test", id, "server", server.id(), "timeout", o.readyTimeout)
	}
	if err := o.launch(ctx, client, transport.RoleTest, req); err != nil {
		return nil, err
	}
	return &Handle{client: client, server: server}, nil
}

// awaitReady polls the output of the server run until a readiness marker
// shows up, the server ends, or the ready timeout elapses.
func (o *Orchestrator) awaitReady(server *testRun) bool {
	deadline := time.NewTimer(o.readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		ready, ended := server.checkReady()
		if ready {
			return true
		}
		if ended {
			return false
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			ready, _ = server.checkReady()
			return ready
		}
	}
}

// launch registers r as running and opens its start session.
func (o *Orchestrator) launch(ctx context.Context, r *testRun, role transport.Role, req model.TestRequest) error {
	id := r.id()
	payload, err := model.NewStartRequest(id, req)
	if err != nil {
		r.pairStop()
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		r.pairStop()
		return ErrClosed
	}
	o.running[id] = r
	o.mu.Unlock()

	testsStarted.WithLabelValues(string(r.snap.Tool)).Inc()
	log.Info("starting test", "test", id, "tool", r.snap.Tool, "host", req.SourceHost, "role", role)
	o.emitter.OnStart(r.snapshot())
	if r.warning != nil {
		o.emitter.OnWarning(id, r.warning)
	}

	s, err := o.reg.Acquire(ctx, role, endpoint(r.base, spec.StartPath, nil), payload, r)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
		r.fail(err)
		r.finish()
		return err
	}
	r.attach(s)
	return nil
}

// complete moves a finished run from the running set to the history.
func (o *Orchestrator) complete(r *testRun, snap model.TestSession) {
	o.mu.Lock()
	delete(o.running, snap.ID)
	o.history.add(snap)
	o.mu.Unlock()

	testsFinished.WithLabelValues(string(snap.Tool), snap.State.String()).Inc()
	log.Info("test ended", "test", snap.ID, "tool", snap.Tool, "state", snap.State,
		"lines", len(snap.OutputLines))
	o.emitter.OnFinished(snap)
}

func (o *Orchestrator) resolve(ctx context.Context, host string) (*url.URL, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: no host selected", ErrConfiguration)
	}
	if o.resolver == nil {
		return nil, fmt.Errorf("%w: no host resolver", ErrConfiguration)
	}
	u, err := o.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return u, nil
}

// History returns the finished sessions, oldest first.
func (o *Orchestrator) History() []model.TestSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.list()
}

// Lookup returns the session with the given id, running or finished.
func (o *Orchestrator) Lookup(id string) (model.TestSession, bool) {
	o.mu.Lock()
	r, ok := o.running[id]
	if !ok {
		defer o.mu.Unlock()
		return o.history.lookup(id)
	}
	o.mu.Unlock()
	return r.snapshot(), true
}

// Running returns the sessions that have not ended yet.
func (o *Orchestrator) Running() []model.TestSession {
	o.mu.Lock()
	runs := make([]*testRun, 0, len(o.running))
	for _, r := range o.running {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	out := make([]model.TestSession, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

// Close closes every session and waits for the running tests to end.
// Further operations fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	runs := make([]*testRun, 0, len(o.running))
	for _, r := range o.running {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	o.reg.ReleaseAll()
	for _, r := range runs {
		<-r.done
	}
}

func endpoint(base *url.URL, path string, q url.Values) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + path
	u.RawQuery = ""
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
