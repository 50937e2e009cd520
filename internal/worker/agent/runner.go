// Package agent runs the coding-agent subprocess for one job: prompt on
// stdin, NDJSON records on stdout, transcript accumulated as the run
// progresses.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Options configures the agent subprocess for one run.
type Options struct {
	// Binary is the agent executable; "agent" when empty.
	Binary string
	// Args precede the option-derived flags.
	Args []string
	// WorkingDir is the workspace the agent operates in.
	WorkingDir string
	// Env entries are appended to the inherited environment.
	Env []string

	Model          string
	PermissionMode string
	Effort         string
}

// Update receives the rendered transcript after each change.
type Update func(content string)

// ErrSpawn marks a run that failed before the subprocess produced
// anything.
var ErrSpawn = errors.New("agent spawn failed")

const (
	scanInitial = 1024 * 1024
	scanMax     = 16 * 1024 * 1024
	stderrTail  = 8 * 1024
	waitDelay   = 5 * time.Second
)

// Run executes one agent invocation. The prompt is written to stdin,
// stdin closes, and stdout is consumed line by line until the process
// exits. onUpdate fires from the reading loop whenever the transcript
// changed. The final transcript is returned even when the run failed,
// so partial output survives a crash.
func Run(ctx context.Context, opts Options, prompt string, onUpdate Update) (string, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "agent"
	}

	args := append([]string(nil), opts.Args...)
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Effort != "" {
		args = append(args, "--effort", opts.Effort)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(cmd.Environ(), opts.Env...)
	cmd.Stdin = strings.NewReader(prompt + "\n")

	// SIGTERM first so the agent can persist its state; exec sends
	// SIGKILL WaitDelay after that.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}

	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	log := slog.With("component", "agent")

	var tr Transcript
	last := ""
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanInitial), scanMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		feed(&tr, line, log)
		if r := tr.Render(); r != last {
			last = r
			if onUpdate != nil {
				onUpdate(r)
			}
		}
	}
	scanErr := scanner.Err()

	// Stdout is drained, so Wait cannot race the scanner on the pipe.
	waitErr := cmd.Wait()
	switch {
	case waitErr != nil:
		return tr.Render(), exitError(waitErr, stderr.String())
	case scanErr != nil:
		return tr.Render(), fmt.Errorf("read agent output: %w", scanErr)
	}
	return tr.Render(), nil
}

// exitError folds the stderr tail into the exit error, which is
// usually the only clue why the agent died.
func exitError(waitErr error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return fmt.Errorf("agent exited: %w: %s", waitErr, stderr)
	}
	return fmt.Errorf("agent exited: %w", waitErr)
}

// tailBuffer keeps the last max bytes written, enough stderr to
// diagnose a crash without holding a runaway stream.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
