package model_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/bgplab/livetest/pkg/livetest/model"
)

func TestDecodeParams(t *testing.T) {
	tests := []struct {
		name    string
		tool    model.Tool
		raw     string
		want    model.Params
		wantErr error
	}{
		{
			name: "ping",
			tool: model.ToolPing,
			raw:  `{"count":3,"size":64}`,
			want: model.PingParams{Count: 3, Size: 64},
		},
		{
			name: "iperf-server",
			tool: model.ToolIperf,
			raw:  `{"port":5201,"server_mode":true,"bind":"10.0.0.2"}`,
			want: model.IperfParams{Port: 5201, ServerMode: true, Bind: "10.0.0.2"},
		},
		{
			name: "empty-curl",
			tool: model.ToolCurl,
			want: model.CurlParams{},
		},
		{
			name:    "unknown-tool",
			tool:    model.Tool("mtr"),
			raw:     `{}`,
			wantErr: model.ErrUnknownTool,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := model.DecodeParams(tt.tool, json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeParams() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeParams() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeParams() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		params model.Params
		valid  bool
	}{
		{"ping-ok", model.PingParams{Count: 4}, true},
		{"ping-negative", model.PingParams{Count: -1}, false},
		{"traceroute-bad-proto", model.TracerouteParams{Protocol: "sctp"}, false},
		{"traceroute-hops", model.TracerouteParams{MaxHops: 300}, false},
		{"iperf-server-no-bind", model.IperfParams{ServerMode: true}, false},
		{"iperf-port", model.IperfParams{Port: 70000}, false},
		{"hping-mode", model.HpingParams{Mode: "fin"}, false},
		{"hping-ok", model.HpingParams{Mode: "udp", Port: 53}, true},
		{"curl-method", model.CurlParams{Method: "PATCH"}, false},
		{"curl-ok", model.CurlParams{Method: "HEAD", Port: 8080}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, model.ErrInvalidParams) {
				t.Errorf("Validate() = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestTestRequest_Validate(t *testing.T) {
	if err := (model.TestRequest{}).Validate(); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("missing params: got %v", err)
	}
	r := model.TestRequest{Params: model.PingParams{}}
	if err := r.Validate(); !errors.Is(err, model.ErrInvalidRequest) {
		t.Errorf("missing target: got %v", err)
	}
	r = model.TestRequest{Params: model.CurlParams{URL: "http://example.net/"}}
	if err := r.Validate(); err != nil {
		t.Errorf("curl with URL and no target: got %v", err)
	}
}

func TestTestRequest_IperfServer(t *testing.T) {
	client := model.TestRequest{
		SourceHost: "h1",
		SourceIP:   "10.0.0.1",
		TargetHost: "h2",
		TargetIP:   "10.0.0.2",
		Params:     model.IperfParams{Port: 5202, DurationSec: 10, Parallel: 2},
	}
	server, ok := client.IperfServer()
	if !ok {
		t.Fatal("IperfServer() returned false for a client request")
	}
	if server.SourceHost != "h2" || server.SourceIP != "10.0.0.2" {
		t.Errorf("server runs on %s/%s, want h2/10.0.0.2", server.SourceHost, server.SourceIP)
	}
	want := model.IperfParams{Port: 5202, ServerMode: true, Bind: "10.0.0.2"}
	if server.Params != want {
		t.Errorf("server params = %#v, want %#v", server.Params, want)
	}
	if _, ok := server.IperfServer(); ok {
		t.Error("IperfServer() of a server request should return false")
	}
	if _, ok := (model.TestRequest{Params: model.PingParams{}}).IperfServer(); ok {
		t.Error("IperfServer() of a ping request should return false")
	}
}

func TestNewStartRequest(t *testing.T) {
	r := model.TestRequest{
		SourceIP: "10.0.0.1",
		TargetIP: "10.0.0.2",
		Params:   model.HpingParams{Count: 2, Port: 179},
	}
	sr, err := model.NewStartRequest("id-1", r)
	if err != nil {
		t.Fatalf("NewStartRequest() error = %v", err)
	}
	if sr.Tool != model.ToolHping || sr.Target != "10.0.0.2" || sr.TestID != "id-1" {
		t.Errorf("unexpected start request %+v", sr)
	}
	p, err := sr.DecodeParams()
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if p != r.Params {
		t.Errorf("DecodeParams() = %#v, want %#v", p, r.Params)
	}
}

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to model.State
		want     bool
	}{
		{model.StatePending, model.StateRunning, true},
		{model.StatePending, model.StateErrored, true},
		{model.StateRunning, model.StateFinished, true},
		{model.StateRunning, model.StatePending, false},
		{model.StateFinished, model.StateRunning, false},
		{model.StateErrored, model.StateFinished, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"-"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}
