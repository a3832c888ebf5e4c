package orchestrator

import "errors"

var (
	// ErrConfiguration is returned when a request names no host, a host that
	// cannot be resolved, or invalid parameters. It is always returned
	// synchronously and never reaches the transport.
	ErrConfiguration = errors.New("configuration error")

	// ErrRemoteTool wraps error messages reported by the remote tool.
	ErrRemoteTool = errors.New("remote tool error")

	// ErrReadinessTimeout is reported as a warning when an iperf server does
	// not signal readiness in time. It never fails the test.
	ErrReadinessTimeout = errors.New("iperf server readiness timeout")

	// ErrStopNoReply is returned by StopTest when the stop session ends
	// before a reply arrives.
	ErrStopNoReply = errors.New("stop session closed without a reply")

	// ErrClosed is returned by operations invoked after Close.
	ErrClosed = errors.New("orchestrator closed")
)
