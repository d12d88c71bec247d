package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/tool"
)

// Delegate hands a piece of work to a freshly spawned agent. It creates
// a task assigned to new:provider/model; the session's spawn hook does
// the rest.
type Delegate struct {
	Tasks *task.Manager

	// DefaultSpec is the provider/model used when the call names none,
	// e.g. "anthropic/claude-3-5-haiku-latest".
	DefaultSpec string
}

func (Delegate) Name() string { return "delegate" }

func (Delegate) Description() string {
	return "Delegate a task to a new agent. The delegate runs in its own thread and reports back through the task list."
}

func (Delegate) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"title":  {Type: "string", Description: "Short description of the delegated work"},
			"prompt": {Type: "string", Description: "Complete instructions for the delegate"},
			"model": {
				Type:        "string",
				Description: "provider/model for the delegate, e.g. anthropic/claude-3-5-haiku-latest. Omit for the default.",
			},
			"priority": {Type: "string", Enum: []string{"high", "medium", "low"}},
		},
		Required: []string{"title", "prompt"},
	}
}

func (Delegate) Annotations() tool.Annotations { return tool.Annotations{} }

func (d Delegate) Execute(ctx context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		Title    string `json:"title"`
		Prompt   string `json:"prompt"`
		Model    string `json:"model"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}

	spec := args.Model
	if spec == "" {
		spec = d.DefaultSpec
	}
	if spec == "" {
		return tool.ErrorResult("delegate: no model given and no default configured")
	}

	created, err := d.Tasks.Create(ctx, task.CreateRequest{
		Title:      args.Title,
		Prompt:     args.Prompt,
		Priority:   task.Priority(args.Priority),
		AssignedTo: task.NewSpecPrefix + spec,
	}, caller(tc))
	if err != nil {
		return tool.ErrorResult("delegate: %s", err)
	}

	if created.Status == task.StatusBlocked {
		reason := "unknown"
		if n := len(created.Notes); n > 0 {
			reason = created.Notes[n-1].Content
		}
		return tool.ErrorResult("delegate: spawn failed: %s", reason).
			WithMetadata("task_id", created.ID)
	}

	return tool.TextResult(fmt.Sprintf("delegated %q to %s (task %s)", args.Title, created.AssignedTo, created.ID)).
		WithMetadata("task_id", created.ID).
		WithMetadata("delegate_thread_id", created.AssignedTo)
}
