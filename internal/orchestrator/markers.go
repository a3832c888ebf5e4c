package orchestrator

import (
	"strings"

	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// Output lines are matched against fixed textual markers. These are part of
// the contract with the agent even though they are free text: an exit
// marker ends a test that never sends an explicit status, and a readiness
// marker releases the client half of an iperf test.

// isExitLine reports whether line announces that the remote process exited.
func isExitLine(line string) bool {
	return strings.Contains(strings.ToLower(line), spec.ExitMarker)
}

// isReadyLine reports whether line announces that an iperf server is ready.
func isReadyLine(line string) bool {
	l := strings.ToLower(line)
	for _, m := range spec.ReadyMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// splitLines splits a raw text payload into lines, dropping a trailing
// empty line.
func splitLines(text string) []string {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}
