package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned when a TestRequest is malformed.
var ErrInvalidRequest = errors.New("invalid test request")

// TestRequest describes a diagnostic test to run. It is immutable once
// submitted.
type TestRequest struct {
	// SourceHost is the managed host that executes the tool.
	SourceHost string
	// SourceIP is the address the tool sends from.
	SourceIP string
	// TargetHost is the managed host owning TargetIP. It is required for
	// iperf tests, whose server runs on the target.
	TargetHost string
	// TargetIP is the address (or host name) the tool is run against.
	TargetIP string
	// Params carries the tool and its parameters.
	Params Params
}

// Tool returns the tool selected by the request's parameters.
func (r TestRequest) Tool() Tool {
	if r.Params == nil {
		return ""
	}
	return r.Params.Tool()
}

// Validate checks that the request is well formed. It does not check that
// the hosts can be resolved.
func (r TestRequest) Validate() error {
	if r.Params == nil {
		return fmt.Errorf("missing params: %w", ErrInvalidRequest)
	}
	if err := r.Params.Validate(); err != nil {
		return err
	}
	if r.TargetIP == "" {
		if c, ok := r.Params.(CurlParams); !ok || c.URL == "" {
			return fmt.Errorf("missing target: %w", ErrInvalidRequest)
		}
	}
	return nil
}

// IperfServer derives the server-side request of an iperf test: an iperf3
// server bound to the target IP, executed on the target host. The second
// return value is false if r is not a client iperf request.
func (r TestRequest) IperfServer() (TestRequest, bool) {
	p, ok := r.Params.(IperfParams)
	if !ok || p.ServerMode {
		return TestRequest{}, false
	}
	server := IperfParams{
		Port:       p.Port,
		ServerMode: true,
		Bind:       r.TargetIP,
	}
	return TestRequest{
		SourceHost: r.TargetHost,
		SourceIP:   r.TargetIP,
		TargetHost: r.TargetHost,
		TargetIP:   r.TargetIP,
		Params:     server,
	}, true
}

// StartRequest is the payload sent on a start session as soon as the
// connection is open.
type StartRequest struct {
	TestID   string          `json:"test_id"`
	Tool     Tool            `json:"tool"`
	SourceIP string          `json:"source_ip,omitempty"`
	Target   string          `json:"target,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// NewStartRequest returns the wire representation of r under the given
// test id.
func NewStartRequest(testID string, r TestRequest) (StartRequest, error) {
	if r.Params == nil {
		return StartRequest{}, fmt.Errorf("missing params: %w", ErrInvalidRequest)
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return StartRequest{}, err
	}
	return StartRequest{
		TestID:   testID,
		Tool:     r.Tool(),
		SourceIP: r.SourceIP,
		Target:   r.TargetIP,
		Params:   params,
	}, nil
}

// DecodeParams returns the typed parameters carried by the request.
func (s StartRequest) DecodeParams() (Params, error) {
	return DecodeParams(s.Tool, s.Params)
}
