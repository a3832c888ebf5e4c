package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tool identifies a diagnostic tool that can be run on a managed host.
type Tool string

const (
	ToolPing       = Tool("ping")
	ToolTraceroute = Tool("traceroute")
	ToolIperf      = Tool("iperf")
	ToolHping      = Tool("hping")
	ToolCurl       = Tool("curl")
)

// ErrInvalidParams is returned when tool parameters fail validation.
var ErrInvalidParams = errors.New("invalid tool parameters")

// ErrUnknownTool is returned when a tool name is not recognized.
var ErrUnknownTool = errors.New("unknown tool")

// Params is the tool-specific part of a test request. Each tool has its own
// implementation carrying only the fields valid for that tool.
type Params interface {
	// Tool returns the tool these parameters belong to.
	Tool() Tool
	// Validate reports whether the parameters are usable.
	Validate() error
}

// PingParams configures a ping test.
type PingParams struct {
	Count      int `json:"count,omitempty"`
	IntervalMS int `json:"interval_ms,omitempty"`
	Size       int `json:"size,omitempty"`
}

// TracerouteParams configures a traceroute test.
type TracerouteParams struct {
	MaxHops int `json:"max_hops,omitempty"`
	// Protocol is one of "udp", "icmp" or "tcp". Empty means udp.
	Protocol string `json:"protocol,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// IperfParams configures an iperf3 test. When ServerMode is set the test runs
// an iperf3 server bound to Bind instead of a client.
type IperfParams struct {
	Port          int    `json:"port,omitempty"`
	DurationSec   int    `json:"duration,omitempty"`
	Parallel      int    `json:"parallel,omitempty"`
	UDP           bool   `json:"udp,omitempty"`
	Reverse       bool   `json:"reverse,omitempty"`
	BandwidthMbps int    `json:"bandwidth,omitempty"`
	ServerMode    bool   `json:"server_mode,omitempty"`
	Bind          string `json:"bind,omitempty"`
}

// HpingParams configures an hping3 test.
type HpingParams struct {
	Count int `json:"count,omitempty"`
	Port  int `json:"port,omitempty"`
	// Mode is one of "syn", "udp" or "icmp". Empty means syn.
	Mode       string `json:"mode,omitempty"`
	IntervalMS int    `json:"interval_ms,omitempty"`
}

// CurlParams configures an HTTP request made with curl. If URL is empty the
// request targets http://<target>:<Port><Path>.
type CurlParams struct {
	URL        string `json:"url,omitempty"`
	Port       int    `json:"port,omitempty"`
	Path       string `json:"path,omitempty"`
	Method     string `json:"method,omitempty"`
	TimeoutSec int    `json:"timeout,omitempty"`
	Insecure   bool   `json:"insecure,omitempty"`
}

func (PingParams) Tool() Tool       { return ToolPing }
func (TracerouteParams) Tool() Tool { return ToolTraceroute }
func (IperfParams) Tool() Tool      { return ToolIperf }
func (HpingParams) Tool() Tool      { return ToolHping }
func (CurlParams) Tool() Tool       { return ToolCurl }

func (p PingParams) Validate() error {
	if p.Count < 0 || p.IntervalMS < 0 || p.Size < 0 {
		return fmt.Errorf("ping: negative value: %w", ErrInvalidParams)
	}
	return nil
}

func (p TracerouteParams) Validate() error {
	if p.MaxHops < 0 || p.MaxHops > 255 {
		return fmt.Errorf("traceroute: max_hops %d: %w", p.MaxHops, ErrInvalidParams)
	}
	switch p.Protocol {
	case "", "udp", "icmp", "tcp":
	default:
		return fmt.Errorf("traceroute: protocol %q: %w", p.Protocol, ErrInvalidParams)
	}
	return validPort(p.Port)
}

func (p IperfParams) Validate() error {
	if p.DurationSec < 0 || p.Parallel < 0 || p.BandwidthMbps < 0 {
		return fmt.Errorf("iperf: negative value: %w", ErrInvalidParams)
	}
	if p.ServerMode && p.Bind == "" {
		return fmt.Errorf("iperf: server mode requires a bind address: %w", ErrInvalidParams)
	}
	return validPort(p.Port)
}

func (p HpingParams) Validate() error {
	if p.Count < 0 || p.IntervalMS < 0 {
		return fmt.Errorf("hping: negative value: %w", ErrInvalidParams)
	}
	switch p.Mode {
	case "", "syn", "udp", "icmp":
	default:
		return fmt.Errorf("hping: mode %q: %w", p.Mode, ErrInvalidParams)
	}
	return validPort(p.Port)
}

func (p CurlParams) Validate() error {
	if p.TimeoutSec < 0 {
		return fmt.Errorf("curl: negative timeout: %w", ErrInvalidParams)
	}
	switch p.Method {
	case "", "GET", "HEAD", "POST", "PUT", "DELETE":
	default:
		return fmt.Errorf("curl: method %q: %w", p.Method, ErrInvalidParams)
	}
	return validPort(p.Port)
}

func validPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range: %w", port, ErrInvalidParams)
	}
	return nil
}

// DecodeParams decodes the JSON parameters of the given tool into the
// matching Params implementation. Empty input yields the zero value.
func DecodeParams(tool Tool, raw json.RawMessage) (Params, error) {
	var p Params
	switch tool {
	case ToolPing:
		p = &PingParams{}
	case ToolTraceroute:
		p = &TracerouteParams{}
	case ToolIperf:
		p = &IperfParams{}
	case ToolHping:
		p = &HpingParams{}
	case ToolCurl:
		p = &CurlParams{}
	default:
		return nil, fmt.Errorf("%q: %w", tool, ErrUnknownTool)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", tool, err)
		}
	}
	// Return values rather than pointers so callers can type-switch on the
	// same types they construct requests with.
	switch v := p.(type) {
	case *PingParams:
		return *v, nil
	case *TracerouteParams:
		return *v, nil
	case *IperfParams:
		return *v, nil
	case *HpingParams:
		return *v, nil
	default:
		return *(v.(*CurlParams)), nil
	}
}
