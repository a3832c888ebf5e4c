package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
)

// Stream identifies the output stream of a line.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Runner abstracts process execution so the agent can be tested without
// running real tools.
type Runner interface {
	// Run executes name with args until it exits or ctx is done, passing
	// every output line to out. out is never called concurrently. The
	// returned error is non-nil only if the process could not be run.
	Run(ctx context.Context, name string, args []string, out func(Stream, string)) (int, error)
}

// ExecRunner runs tools on the host via os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args []string, out func(Stream, string)) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	scan := func(s Stream, r io.Reader) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			mu.Lock()
			out(s, sc.Text())
			mu.Unlock()
		}
	}
	wg.Add(2)
	go scan(Stdout, stdout)
	go scan(Stderr, stderr)
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	err = cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
