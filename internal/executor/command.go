// Package executor runs task attempts as external commands. The command
// receives the iteration prompt on stdin and session identity in the
// environment, and reports back as JSON on stdout.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/harrison/relearn/internal/coordinator"
	"github.com/harrison/relearn/internal/logger"
)

// report is the JSON document the command may print on stdout. Non-JSON
// stdout is treated as raw output with no self-reported quality. The score
// is a pointer so an explicit zero is distinguishable from an omitted one.
type report struct {
	QualityScore *float64 `json:"quality_score"`
	Output       string   `json:"output"`
	Error        string   `json:"error"`
	MemoryBytes  int64    `json:"memory_bytes"`
}

// CommandExecutor invokes a fixed command once per iteration. Create once,
// use for many sessions; safe for concurrent use.
type CommandExecutor struct {
	// Command is the binary to run, resolved via PATH if relative.
	Command string

	// Args are passed to every invocation.
	Args []string

	// Dir is the working directory, or empty for the caller's.
	Dir string

	log logger.Logger
}

// NewCommandExecutor creates an executor for the given command line.
func NewCommandExecutor(command string, args []string, log logger.Logger) *CommandExecutor {
	if log == nil {
		log = logger.Nop()
	}
	return &CommandExecutor{Command: command, Args: args, log: log}
}

// ExecuteIteration runs one attempt. A non-zero exit is reported as a
// failed iteration, not an executor error: the session keeps iterating and
// the failure text feeds pattern recognition. Only problems launching the
// process surface as errors.
func (e *CommandExecutor) ExecuteIteration(ctx context.Context, req coordinator.ExecutionRequest) (*coordinator.ExecutionResult, error) {
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"RELEARN_SESSION_ID="+req.SessionID,
		"RELEARN_TASK_ID="+req.TaskID,
		"RELEARN_AGENT_ID="+req.AgentID,
		"RELEARN_SEQUENCE="+strconv.Itoa(req.Sequence),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", e.Command, err)
		}
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = fmt.Sprintf("%s exited with code %d", e.Command, exitErr.ExitCode())
		}
		e.log.Debugf("iteration %d for session %s failed: %s", req.Sequence, req.SessionID, errText)
		return &coordinator.ExecutionResult{
			Output:    stdout.String(),
			ErrorText: errText,
		}, nil
	}

	return parseReport(stdout.Bytes()), nil
}

// parseReport decodes the command's stdout. Commands unaware of the report
// format just get their stdout passed through as output.
func parseReport(out []byte) *coordinator.ExecutionResult {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var rep report
		if err := json.Unmarshal(trimmed, &rep); err == nil {
			res := &coordinator.ExecutionResult{
				Output:      rep.Output,
				ErrorText:   rep.Error,
				MemoryBytes: rep.MemoryBytes,
			}
			if rep.QualityScore != nil {
				res.QualityScore = *rep.QualityScore
				res.QualityReported = true
			}
			return res
		}
	}
	return &coordinator.ExecutionResult{Output: string(trimmed)}
}
