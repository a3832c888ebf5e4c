package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bgplab/livetest/pkg/livetest/model"
)

// toolFlags holds the parameters of every tool. Only the fields of the
// selected tool are used.
type toolFlags struct {
	count      int
	intervalMS int
	size       int
	maxHops    int
	protocol   string
	port       int
	duration   int
	parallel   int
	udp        bool
	reverse    bool
	bandwidth  int
	mode       string
	url        string
	path       string
	method     string
	timeout    int
	insecure   bool
}

// params builds the typed parameters of tool.
func (f toolFlags) params(tool model.Tool) (model.Params, error) {
	switch tool {
	case model.ToolPing:
		return model.PingParams{Count: f.count, IntervalMS: f.intervalMS, Size: f.size}, nil
	case model.ToolTraceroute:
		return model.TracerouteParams{MaxHops: f.maxHops, Protocol: f.protocol, Port: f.port}, nil
	case model.ToolIperf:
		return model.IperfParams{
			Port:          f.port,
			DurationSec:   f.duration,
			Parallel:      f.parallel,
			UDP:           f.udp,
			Reverse:       f.reverse,
			BandwidthMbps: f.bandwidth,
		}, nil
	case model.ToolHping:
		return model.HpingParams{Count: f.count, Port: f.port, Mode: f.mode, IntervalMS: f.intervalMS}, nil
	case model.ToolCurl:
		return model.CurlParams{
			URL:        f.url,
			Port:       f.port,
			Path:       f.path,
			Method:     f.method,
			TimeoutSec: f.timeout,
			Insecure:   f.insecure,
		}, nil
	}
	return nil, fmt.Errorf("%q: %w", tool, model.ErrUnknownTool)
}

func runCmd() *cobra.Command {
	var (
		tool  string
		req   model.TestRequest
		flags toolFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a test and stream its output",
		Long: "Starts a test on the agent of --source-host and prints its output until it ends. " +
			"iperf tests also start a server on --target-host. Ctrl+C stops the test.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			p, err := flags.params(model.Tool(tool))
			if err != nil {
				return err
			}
			req.Params = p

			ctx, stop := signalContext()
			defer stop()
			h, err := console.orch.StartTest(ctx, req)
			if err != nil {
				return fmt.Errorf("start test: %w", err)
			}
			select {
			case <-h.Done():
			case <-ctx.Done():
				// Interrupted: ask the agent to stop, then wait for the end
				// of the stream.
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if _, err := console.orch.StopTest(stopCtx, req.SourceHost, h.ID()); err != nil {
					return fmt.Errorf("stop test: %w", err)
				}
				if _, err := h.Wait(stopCtx); err != nil {
					return fmt.Errorf("wait for test: %w", err)
				}
			}
			if s := h.Snapshot(); s.State == model.StateErrored {
				return errors.New(s.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tool, "tool", "ping", "tool: ping, traceroute, iperf, hping, curl")
	cmd.Flags().StringVar(&req.SourceHost, "source-host", "", "managed host that runs the tool")
	cmd.Flags().StringVar(&req.SourceIP, "source-ip", "", "address the tool sends from")
	cmd.Flags().StringVar(&req.TargetHost, "target-host", "", "managed host owning the target (iperf)")
	cmd.Flags().StringVar(&req.TargetIP, "target-ip", "", "address the tool runs against")

	cmd.Flags().IntVar(&flags.count, "count", 0, "ping/hping: packets to send")
	cmd.Flags().IntVar(&flags.intervalMS, "interval-ms", 0, "ping/hping: interval between packets")
	cmd.Flags().IntVar(&flags.size, "size", 0, "ping: payload size")
	cmd.Flags().IntVar(&flags.maxHops, "max-hops", 0, "traceroute: maximum TTL")
	cmd.Flags().StringVar(&flags.protocol, "protocol", "", "traceroute: udp, icmp or tcp")
	cmd.Flags().IntVar(&flags.port, "port", 0, "traceroute/iperf/hping/curl: destination port")
	cmd.Flags().IntVar(&flags.duration, "duration", 0, "iperf: test duration in seconds")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 0, "iperf: parallel streams")
	cmd.Flags().BoolVar(&flags.udp, "udp", false, "iperf: use UDP")
	cmd.Flags().BoolVar(&flags.reverse, "reverse", false, "iperf: server sends")
	cmd.Flags().IntVar(&flags.bandwidth, "bandwidth", 0, "iperf: target bandwidth in Mbit/s")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "hping: syn, udp or icmp")
	cmd.Flags().StringVar(&flags.url, "url", "", "curl: full URL, overrides --target-ip")
	cmd.Flags().StringVar(&flags.path, "path", "", "curl: request path")
	cmd.Flags().StringVar(&flags.method, "method", "", "curl: HTTP method")
	cmd.Flags().IntVar(&flags.timeout, "timeout", 0, "curl: timeout in seconds")
	cmd.Flags().BoolVar(&flags.insecure, "insecure", false, "curl: skip TLS verification")

	return cmd
}
