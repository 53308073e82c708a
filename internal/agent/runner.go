// Package agent launches the middleware subprocess that executes a job and
// collects its structured result. The subprocess receives the job on stdin
// and emits a JSONL event stream on stdout; it never sees key material,
// only the signing proxy handoff in its environment.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	// StatusCompleted and StatusFailed are the terminal agent statuses.
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"

	// maxEventBytes bounds a single stdout line; result events carry whole
	// documents.
	maxEventBytes = 4 * 1024 * 1024

	// stderrTail is how much captured stderr survives into an error message.
	stderrTail = 2048
)

// Job is the execution order handed to the subprocess.
type Job struct {
	RequestID    string                     `json:"requestId"`
	Prompt       string                     `json:"prompt"`
	Payload      json.RawMessage            `json:"payload,omitempty"`
	Model        string                     `json:"model,omitempty"`
	EnabledTools []string                   `json:"enabledTools,omitempty"`
	OutputSpec   map[string]json.RawMessage `json:"outputSpec,omitempty"`
}

// ToolCall is one telemetry entry from the agent's stream.
type ToolCall struct {
	Tool       string `json:"tool"`
	DurationMs int64  `json:"durationMs"`
	Tokens     int64  `json:"tokens"`
}

// Artifact is a file-like object the agent produced during the run.
type Artifact struct {
	Name        string          `json:"name"`
	ContentType string          `json:"contentType"`
	Data        json.RawMessage `json:"data"`
}

// Result is everything collected from one subprocess run. A FAILED status
// is still a result; the delivery path runs either way.
type Result struct {
	Status            string                     `json:"status"`
	Output            string                     `json:"output,omitempty"`
	StructuredSummary string                     `json:"structuredSummary,omitempty"`
	Data              map[string]json.RawMessage `json:"data,omitempty"`
	Result            map[string]json.RawMessage `json:"result,omitempty"`
	ToolCalls         []ToolCall                 `json:"toolCalls,omitempty"`
	Artifacts         []Artifact                 `json:"artifacts,omitempty"`
	TokensUsed        int64                      `json:"tokensUsed"`
	DurationMs        int64                      `json:"durationMs"`
	ErrorMessage      string                     `json:"errorMessage,omitempty"`
}

// event is one line of the subprocess's JSONL stream.
type event struct {
	Type        string          `json:"type"`
	Status      string          `json:"status,omitempty"`
	Text        string          `json:"text,omitempty"`
	Tool        string          `json:"tool,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
	Tokens      int64           `json:"tokens,omitempty"`
	Name        string          `json:"name,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	Output            string                     `json:"output,omitempty"`
	StructuredSummary string                     `json:"structuredSummary,omitempty"`
	Fields            map[string]json.RawMessage `json:"fields,omitempty"`
}

// Runner executes the middleware binary once per job.
type Runner struct {
	binary string
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner returns a Runner for the middleware at binary.
func NewRunner(binary string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		binary: binary,
		logger: logger.With("component", "agent"),
		now:    time.Now,
	}
}

// Run executes one job. env is the complete subprocess environment; the
// caller composes it from the job context and the proxy handoff. onStatus,
// when non-nil, receives intermediate status events as they stream.
//
// A non-zero exit or a structured FAILED status produces a FAILED Result,
// not an error; errors mean the subprocess could not be run at all.
func (r *Runner) Run(ctx context.Context, job Job, env []string, onStatus func(status, text string)) (*Result, error) {
	input, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.binary)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(input)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}

	start := r.now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %s: %w", r.binary, err)
	}

	res := &Result{}
	var sawResult bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			r.logger.Debug("agent emitted non-event line", "line", string(line))
			continue
		}
		switch ev.Type {
		case "status":
			if onStatus != nil {
				onStatus(ev.Status, ev.Text)
			}
		case "tool_call":
			res.ToolCalls = append(res.ToolCalls, ToolCall{
				Tool:       ev.Tool,
				DurationMs: ev.DurationMs,
				Tokens:     ev.Tokens,
			})
		case "artifact":
			res.Artifacts = append(res.Artifacts, Artifact{
				Name:        ev.Name,
				ContentType: ev.ContentType,
				Data:        ev.Data,
			})
		case "result":
			sawResult = true
			res.Status = ev.Status
			res.Output = ev.Output
			res.StructuredSummary = ev.StructuredSummary
			res.Data = ev.Fields
			res.TokensUsed = ev.Tokens
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	res.DurationMs = r.now().Sub(start).Milliseconds()

	if scanErr != nil {
		return nil, fmt.Errorf("failed to read agent stream: %w", scanErr)
	}

	if res.TokensUsed == 0 {
		for _, tc := range res.ToolCalls {
			res.TokensUsed += tc.Tokens
		}
	}
	res.Result = promoteOutputSpec(res.Data, job.OutputSpec)

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("failed to run agent: %w", waitErr)
		}
		res.Status = StatusFailed
		res.ErrorMessage = exitMessage(exitErr, stderr.Bytes())
		r.logger.Warn("agent exited with failure",
			"requestId", job.RequestID,
			"exitCode", exitErr.ExitCode(),
			"durationMs", res.DurationMs)
		return res, nil
	}

	if !sawResult {
		res.Status = StatusFailed
		res.ErrorMessage = "agent exited without a result event"
		return res, nil
	}
	if res.Status != StatusCompleted && res.Status != StatusFailed {
		res.Status = StatusFailed
		if res.ErrorMessage == "" {
			res.ErrorMessage = "agent reported an unknown terminal status"
		}
	}
	return res, nil
}

// promoteOutputSpec lifts result fields named by the output spec into a
// dedicated object so downstream consumers read a stable shape.
func promoteOutputSpec(data, spec map[string]json.RawMessage) map[string]json.RawMessage {
	if len(data) == 0 || len(spec) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage)
	for field := range spec {
		if v, ok := data[field]; ok {
			out[field] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func exitMessage(exitErr *exec.ExitError, stderr []byte) string {
	tail := strings.TrimSpace(string(stderr))
	if len(tail) > stderrTail {
		tail = tail[len(tail)-stderrTail:]
	}
	if tail == "" {
		return fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
	}
	return fmt.Sprintf("agent exited with code %d: %s", exitErr.ExitCode(), tail)
}
