// Package command runs external tools with their output streamed line by
// line, so callers can log progress and report the tail of a failing run.
//
// Registration engines and predictors are invoked through the Executor
// interface; tests substitute an implementation that fabricates outputs.
package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onOutput func(string)) error
}

// Local runs binaries on this machine.
type Local struct{}

var _ Executor = Local{}

func (Local) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once
	var mu sync.Mutex

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onOutput == nil {
				continue
			}
			mu.Lock()
			onOutput(scanner.Text())
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)

	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("scan output: %w", scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait %s: %w", binary, err)
	}
	return nil
}

// Tail keeps the last lines written to it.
type Tail struct {
	Max   int
	lines []string
}

// Add records line, dropping the oldest when full.
func (t *Tail) Add(line string) {
	limit := t.Max
	if limit <= 0 {
		limit = 20
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > limit {
		t.lines = t.lines[len(t.lines)-limit:]
	}
}

func (t *Tail) String() string {
	return strings.Join(t.lines, "\n")
}
