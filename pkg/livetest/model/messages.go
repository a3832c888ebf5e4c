package model

import "encoding/json"

// ServerMessage is a message streamed back on a start session. Every field
// is optional.
type ServerMessage struct {
	TestID string `json:"test_id,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status,omitempty"`
}

// ActiveTestSummary describes a test running on an agent, possibly started
// by another client.
type ActiveTestSummary struct {
	TestID      string          `json:"test_id"`
	Tool        Tool            `json:"tool"`
	Host        string          `json:"host"`
	Status      string          `json:"status"`
	ViewerCount int             `json:"viewer_count"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// MonitorMessage is a full snapshot of the active tests on an agent. Each
// message replaces the previous one.
type MonitorMessage struct {
	Tests []ActiveTestSummary `json:"tests"`
}

// StopRequest asks an agent to stop a test.
type StopRequest struct {
	TestID string `json:"test_id"`
}

// StopReply is the single reply to a StopRequest.
type StopReply struct {
	TestID  string `json:"test_id,omitempty"`
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}
