// Package cli runs the vendor command-line binary as a child process and
// parses its newline-delimited JSON event stream.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/pool"
)

// ErrOutputMalformed indicates the child exited zero but never emitted a
// parseable result event.
var ErrOutputMalformed = errors.New("child output missing result event")

// ExitError carries the child's nonzero exit code.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("child exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("child exited with code %d", e.Code)
}

// maxStderrCapture bounds how much child stderr is kept for error reporting.
const maxStderrCapture = 4 * 1024

// Runner spawns one child per task. It implements the pool's Runner
// interface.
type Runner struct {
	// Binary is the CLI executable name or path.
	Binary string
}

// NewRunner creates a runner for the given binary.
func NewRunner(binary string) *Runner {
	return &Runner{Binary: binary}
}

// resultPayload is the shape of the final "result" event.
type resultPayload struct {
	Type  string       `json:"type"`
	Text  string       `json:"text"`
	Usage models.Usage `json:"usage"`
	Model string       `json:"model"`
}

// Run writes the prompt to a temp file, invokes the CLI with stdin
// redirected from it, and scans stdout line by line. Every parsed event is
// forwarded to req.OnEvent; the final result event becomes the Result.
func (r *Runner) Run(ctx context.Context, req *pool.Request) (*pool.Result, error) {
	promptFile, err := os.CreateTemp("", "ccbridge-prompt-*.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt file: %w", err)
	}
	defer os.Remove(promptFile.Name())

	if _, err := promptFile.WriteString(req.Prompt); err != nil {
		promptFile.Close()
		return nil, fmt.Errorf("failed to write prompt file: %w", err)
	}
	if err := promptFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close prompt file: %w", err)
	}

	line := commandLine(r.Binary, req, promptFile.Name())
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	cmd.Env = append(os.Environ(), "CCBRIDGE_REQUEST_ID="+req.RequestID)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	// The child runs under a shell and may spawn its own children;
	// cancellation must reach the whole process group or a grandchild
	// keeps the stdout pipe open past the deadline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &capWriter{w: &stderr, limit: maxStderrCapture}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start child: %w", err)
	}
	if req.OnStart != nil {
		req.OnStart(cmd.Process.Pid)
	}
	slog.DebugContext(ctx, "Child started",
		"pid", cmd.Process.Pid, "model", req.Model, "request_id", req.RequestID)

	result, parseErr := scanEvents(stdout, req.OnEvent)
	if parseErr != nil {
		// Drain so a still-writing child cannot block Wait on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil, fmt.Errorf("child wait failed: %w", waitErr)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return result, nil
}

// commandLine assembles the shell invocation. The prompt travels through a
// file, never the command line, so its content cannot be shell-injected.
func commandLine(binary string, req *pool.Request, promptPath string) string {
	var b strings.Builder
	b.WriteString(shellQuote(binary))
	b.WriteString(" -p --model ")
	b.WriteString(shellQuote(req.Model))
	if len(req.AllowedTools) > 0 {
		b.WriteString(" --allowed-tools ")
		b.WriteString(shellQuote(strings.Join(req.AllowedTools, ",")))
	}
	if req.WorkingDir != "" {
		b.WriteString(" --working-dir ")
		b.WriteString(shellQuote(req.WorkingDir))
	}
	b.WriteString(" < ")
	b.WriteString(shellQuote(promptPath))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// scanEvents parses the NDJSON stream. Unknown event types are carried
// through to the callback untouched; only the result event is required.
func scanEvents(r io.Reader, onEvent func(models.Event)) (*pool.Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var result *pool.Result
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var ev models.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("%w: unparseable event line", ErrOutputMalformed)
		}
		ev.Raw = json.RawMessage(raw)
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}

		if ev.Type == models.EventResult {
			var payload resultPayload
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return nil, fmt.Errorf("%w: unparseable result event", ErrOutputMalformed)
			}
			result = &pool.Result{Text: payload.Text, Usage: payload.Usage, Model: payload.Model}
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read child stdout: %w", err)
	}
	if result == nil {
		return nil, ErrOutputMalformed
	}
	return result, nil
}

// capWriter discards writes past its limit.
type capWriter struct {
	w     *strings.Builder
	limit int
}

func (c *capWriter) Write(p []byte) (int, error) {
	if remaining := c.limit - c.w.Len(); remaining > 0 {
		if len(p) > remaining {
			c.w.Write(p[:remaining])
		} else {
			c.w.Write(p)
		}
	}
	return len(p), nil
}
