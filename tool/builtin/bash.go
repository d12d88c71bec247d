// Package builtin provides the tools every session registers by
// default: shell execution, file access, task management and
// delegation.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lacehq/lace/tool"
)

// Bash executes shell commands in the session's working directory.
type Bash struct{}

func (Bash) Name() string { return "bash" }

func (Bash) Description() string {
	return "Execute a bash command in the working directory and return its output."
}

func (Bash) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"command": {
				Type:        "string",
				Description: "The command to execute",
				MinLength:   intPtr(1),
			},
		},
		Required: []string{"command"},
	}
}

func (Bash) Annotations() tool.Annotations {
	return tool.Annotations{DestructiveHint: true}
}

func (Bash) Execute(ctx context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
	if tc != nil && tc.WorkingDirectory != "" {
		cmd.Dir = tc.WorkingDirectory
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return tool.ErrorResult("bash: %s", runErr)
		}
	}

	text := strings.TrimSpace(stdout.String())
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		if text == "" {
			text = errText
		} else {
			text = text + "\n" + errText
		}
	}
	if text == "" {
		text = fmt.Sprintf("(no output, exit code %d)", exitCode)
	}

	result := tool.TextResult(text).WithMetadata("exit_code", exitCode)
	result.IsError = exitCode != 0
	return result
}

func intPtr(v int) *int { return &v }
