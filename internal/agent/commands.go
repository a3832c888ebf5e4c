package agent

import (
	"fmt"
	"net"
	"strconv"

	"github.com/bgplab/livetest/pkg/livetest/model"
	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// Tool binaries.
const (
	binPing       = "ping"
	binTraceroute = "traceroute"
	binIperf      = "iperf3"
	binHping      = "hping3"
	binCurl       = "curl"
)

// Command returns the command line that runs req.
func Command(req model.StartRequest) (string, []string, error) {
	params, err := req.DecodeParams()
	if err != nil {
		return "", nil, err
	}
	if err := params.Validate(); err != nil {
		return "", nil, err
	}
	switch p := params.(type) {
	case model.PingParams:
		return binPing, pingArgs(req, p), nil
	case model.TracerouteParams:
		return binTraceroute, tracerouteArgs(req, p), nil
	case model.IperfParams:
		return binIperf, iperfArgs(req, p), nil
	case model.HpingParams:
		return binHping, hpingArgs(req, p), nil
	case model.CurlParams:
		args, err := curlArgs(req, p)
		return binCurl, args, err
	}
	return "", nil, fmt.Errorf("%q: %w", req.Tool, model.ErrUnknownTool)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func pingArgs(req model.StartRequest, p model.PingParams) []string {
	count := p.Count
	if count == 0 {
		count = 4
	}
	args := []string{"-n", "-c", itoa(count)}
	if p.IntervalMS > 0 {
		args = append(args, "-i", strconv.FormatFloat(float64(p.IntervalMS)/1000, 'f', -1, 64))
	}
	if p.Size > 0 {
		args = append(args, "-s", itoa(p.Size))
	}
	if req.SourceIP != "" {
		args = append(args, "-I", req.SourceIP)
	}
	return append(args, req.Target)
}

func tracerouteArgs(req model.StartRequest, p model.TracerouteParams) []string {
	args := []string{"-n"}
	if p.MaxHops > 0 {
		args = append(args, "-m", itoa(p.MaxHops))
	}
	switch p.Protocol {
	case "icmp":
		args = append(args, "-I")
	case "tcp":
		args = append(args, "-T")
	}
	if p.Port > 0 {
		args = append(args, "-p", itoa(p.Port))
	}
	if req.SourceIP != "" {
		args = append(args, "-s", req.SourceIP)
	}
	return append(args, req.Target)
}

func iperfArgs(req model.StartRequest, p model.IperfParams) []string {
	port := p.Port
	if port == 0 {
		port = spec.IperfDefaultPort
	}
	if p.ServerMode {
		// One-off: the server exits after serving a single client.
		return []string{"-s", "-1", "-B", p.Bind, "-p", itoa(port), "--forceflush"}
	}
	args := []string{"-c", req.Target, "-p", itoa(port), "--forceflush"}
	if req.SourceIP != "" {
		args = append(args, "-B", req.SourceIP)
	}
	if p.DurationSec > 0 {
		args = append(args, "-t", itoa(p.DurationSec))
	}
	if p.Parallel > 1 {
		args = append(args, "-P", itoa(p.Parallel))
	}
	if p.UDP {
		args = append(args, "-u")
	}
	if p.Reverse {
		args = append(args, "-R")
	}
	if p.BandwidthMbps > 0 {
		args = append(args, "-b", itoa(p.BandwidthMbps)+"M")
	}
	return args
}

func hpingArgs(req model.StartRequest, p model.HpingParams) []string {
	count := p.Count
	if count == 0 {
		count = 4
	}
	args := []string{"-c", itoa(count)}
	switch p.Mode {
	case "udp":
		args = append(args, "--udp")
	case "icmp":
		args = append(args, "--icmp")
	default:
		args = append(args, "-S")
	}
	if p.Port > 0 && p.Mode != "icmp" {
		args = append(args, "-p", itoa(p.Port))
	}
	if p.IntervalMS > 0 {
		args = append(args, "-i", "u"+itoa(p.IntervalMS*1000))
	}
	if req.SourceIP != "" {
		args = append(args, "-a", req.SourceIP)
	}
	return append(args, req.Target)
}

func curlArgs(req model.StartRequest, p model.CurlParams) ([]string, error) {
	target := p.URL
	if target == "" {
		if req.Target == "" {
			return nil, fmt.Errorf("curl: no url and no target: %w", model.ErrInvalidParams)
		}
		host := req.Target
		if p.Port > 0 {
			host = net.JoinHostPort(host, itoa(p.Port))
		} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			host = "[" + host + "]"
		}
		target = "http://" + host + p.Path
	}
	args := []string{"-sS", "-o", "/dev/null", "-w",
		"status=%{http_code} connect=%{time_connect}s total=%{time_total}s\\n"}
	if p.Method != "" && p.Method != "GET" {
		if p.Method == "HEAD" {
			args = append(args, "-I")
		} else {
			args = append(args, "-X", p.Method)
		}
	}
	if p.TimeoutSec > 0 {
		args = append(args, "-m", itoa(p.TimeoutSec))
	}
	if p.Insecure {
		args = append(args, "-k")
	}
	if req.SourceIP != "" {
		args = append(args, "--interface", req.SourceIP)
	}
	return append(args, target), nil
}
