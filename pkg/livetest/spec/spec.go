// Package spec contains constants for the livetest protocol.
package spec

import "time"

const (
	// StartPath is the endpoint that runs a tool. The client sends a single
	// StartRequest as soon as the connection is open and receives a stream of
	// ServerMessage objects.
	StartPath = "/livetest/v1/start"

	// MonitorPath streams MonitorMessage snapshots of the tests running on
	// an agent.
	MonitorPath = "/livetest/v1/monitor"

	// ViewPath streams the raw output lines of the test selected by the
	// "test_id" querystring parameter.
	ViewPath = "/livetest/v1/view"

	// StopPath accepts a single StopRequest and replies with one StopReply
	// before closing.
	StopPath = "/livetest/v1/stop"

	// TestIDParam is the querystring parameter used by ViewPath.
	TestIDParam = "test_id"

	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header.
	SecWebSocketProtocol = "net.bgplab.livetest.v1"

	// MaxMessageSize is the maximum size of a message read from a session.
	MaxMessageSize = 1 << 20

	// IperfReadyTimeout is the ceiling for the iperf server readiness wait.
	// Once reached, the client is started anyway.
	IperfReadyTimeout = 5 * time.Second

	// IperfReadyPollInterval is how often the accumulated server output is
	// checked for a readiness marker.
	IperfReadyPollInterval = 100 * time.Millisecond

	// IperfDefaultPort is the port iperf3 servers listen on by default.
	IperfDefaultPort = 5201

	// HistorySize is the number of finished sessions retained in history.
	HistorySize = 50

	// StatusFinished is the value of ServerMessage.Status sent when the
	// remote tool has terminated.
	StatusFinished = "finished"

	// StatusRunning is the value of ServerMessage.Status sent while the
	// remote tool is running.
	StatusRunning = "running"

	// ExitMarker is the prefix of the line an agent emits after the tool's
	// process terminates. A line containing it implies StatusFinished.
	ExitMarker = "process exited"
)

// ReadyMarkers are the substrings of iperf server output that signal the
// server is ready to accept a client. Matching is case-insensitive.
var ReadyMarkers = []string{
	"server listening",
	"accepted connection",
}
