package agent_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"

	"github.com/bgplab/livetest/internal/agent"
	"github.com/bgplab/livetest/internal/hosts"
	"github.com/bgplab/livetest/internal/orchestrator"
	"github.com/bgplab/livetest/pkg/livetest/model"
)

func iperfScript(clientDone chan struct{}) script {
	return func(ctx context.Context, args []string, out func(agent.Stream, string)) (int, error) {
		if args[0] == "-s" {
			out(agent.Stdout, "-----------------------------------------------------------")
			out(agent.Stdout, "Server listening on 5201 (test #1)")
			select {
			case <-clientDone:
				out(agent.Stdout, "Accepted connection from 10.0.0.1, port 41234")
				return 0, nil
			case <-ctx.Done():
				return -1, nil
			}
		}
		out(agent.Stdout, "Connecting to host 10.0.0.2, port 5201")
		out(agent.Stdout, "[  5]   0.00-1.00   sec   112 MBytes   941 Mbits/sec")
		out(agent.Stdout, "iperf Done.")
		close(clientDone)
		return 0, nil
	}
}

func TestOrchestratorWithAgent(t *testing.T) {
	runner := &fakeRunner{scripts: map[string]script{
		"iperf3": iperfScript(make(chan struct{})),
		"ping":   blocking,
		"traceroute": func(_ context.Context, _ []string, out func(agent.Stream, string)) (int, error) {
			out(agent.Stderr, "10.0.0.2: Name or service not known")
			return 2, nil
		},
	}}
	a := agent.New(agent.Config{Runner: runner})
	srv := httptest.NewServer(a.Handler())
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	resolver, err := hosts.NewStatic(map[string]string{"r1": base, "r2": base})
	testingx.Must(t, err, "cannot build resolver")
	o := orchestrator.New(orchestrator.Config{
		Resolver:     resolver,
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	defer func() {
		o.Close()
		srv.Close()
		a.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("iperf", func(t *testing.T) {
		h, err := o.StartTest(ctx, model.TestRequest{
			SourceHost: "r1",
			SourceIP:   "10.0.0.1",
			TargetHost: "r2",
			TargetIP:   "10.0.0.2",
			Params:     model.IperfParams{DurationSec: 1},
		})
		testingx.Must(t, err, "cannot start iperf")
		s, err := h.Wait(ctx)
		testingx.Must(t, err, "iperf did not end")
		if s.State != model.StateFinished {
			t.Fatalf("client state = %v (%s)", s.State, s.Error)
		}
		out := strings.Join(s.OutputLines, "\n")
		if !strings.Contains(out, "iperf Done.") || !strings.Contains(out, "process exited with code 0") {
			t.Errorf("client output = %q", s.OutputLines)
		}
		if strings.Contains(out, "warning:") {
			t.Errorf("unexpected readiness warning in %q", s.OutputLines)
		}
		deadline := time.Now().Add(5 * time.Second)
		server, _ := h.Server()
		for !server.State.Terminal() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
			server, _ = h.Server()
		}
		if server.State != model.StateFinished || server.ParentID != s.ID {
			t.Errorf("server = %+v", server)
		}
	})

	t.Run("stop", func(t *testing.T) {
		h, err := o.StartTest(ctx, model.TestRequest{
			SourceHost: "r1",
			SourceIP:   "10.0.0.1",
			TargetIP:   "10.0.0.9",
			Params:     model.PingParams{},
		})
		testingx.Must(t, err, "cannot start ping")
		deadline := time.Now().Add(5 * time.Second)
		for len(a.Active()) == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		stopped, err := o.StopTest(ctx, "", h.ID())
		testingx.Must(t, err, "cannot stop")
		if !stopped {
			t.Errorf("StopTest() = false, want true")
		}
		s, err := h.Wait(ctx)
		testingx.Must(t, err, "ping did not end")
		if s.State != model.StateFinished {
			t.Errorf("state = %v (%s)", s.State, s.Error)
		}
	})
	t.Run("failing-tool", func(t *testing.T) {
		h, err := o.StartTest(ctx, model.TestRequest{
			SourceHost: "r1",
			SourceIP:   "10.0.0.1",
			TargetIP:   "10.0.0.2",
			Params:     model.TracerouteParams{},
		})
		testingx.Must(t, err, "cannot start traceroute")
		s, err := h.Wait(ctx)
		testingx.Must(t, err, "traceroute did not end")
		if s.State != model.StateErrored {
			t.Fatalf("state = %v, want %v (output %q)", s.State, model.StateErrored, s.OutputLines)
		}
		if !strings.Contains(s.Error, "traceroute exited with code 2") {
			t.Errorf("error = %q", s.Error)
		}
	})

	t.Run("missing-tool", func(t *testing.T) {
		h, err := o.StartTest(ctx, model.TestRequest{
			SourceHost: "r1",
			SourceIP:   "10.0.0.1",
			TargetIP:   "10.0.0.2",
			Params:     model.HpingParams{},
		})
		testingx.Must(t, err, "cannot start hping")
		s, err := h.Wait(ctx)
		testingx.Must(t, err, "hping did not end")
		if s.State != model.StateErrored || s.Error == "" {
			t.Errorf("state = %v error = %q, want errored", s.State, s.Error)
		}
	})
}
