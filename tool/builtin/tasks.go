package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lacehq/lace/task"
	"github.com/lacehq/lace/tool"
)

// caller derives the task-operation identity from the executing thread.
func caller(tc *tool.Context) task.Caller {
	return task.Caller{Actor: string(tc.ThreadID)}
}

func formatTask(t *task.Task) string {
	line := fmt.Sprintf("%s [%s/%s] %s", t.ID, t.Status, t.Priority, t.Title)
	if t.AssignedTo != "" {
		line += fmt.Sprintf(" (assigned to %s)", t.AssignedTo)
	}
	return line
}

// TaskAdd creates a task on the session's shared task list.
type TaskAdd struct {
	Tasks *task.Manager
}

func (TaskAdd) Name() string { return "task_add" }

func (TaskAdd) Description() string {
	return "Add a task to the session task list. Assign it to a thread id, or to new:provider/model to spawn a delegate agent."
}

func (TaskAdd) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"title":       {Type: "string", Description: "Short task title"},
			"prompt":      {Type: "string", Description: "The full prompt the assignee will work from"},
			"description": {Type: "string", Description: "Optional extra context"},
			"priority":    {Type: "string", Enum: []string{"high", "medium", "low"}},
			"assignedTo":  {Type: "string", Description: "Thread id or new:provider/model"},
		},
		Required: []string{"title", "prompt"},
	}
}

func (TaskAdd) Annotations() tool.Annotations { return tool.Annotations{} }

func (tt TaskAdd) Execute(ctx context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		Title       string `json:"title"`
		Prompt      string `json:"prompt"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
		AssignedTo  string `json:"assignedTo"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}

	created, err := tt.Tasks.Create(ctx, task.CreateRequest{
		Title:       args.Title,
		Description: args.Description,
		Prompt:      args.Prompt,
		Priority:    task.Priority(args.Priority),
		AssignedTo:  args.AssignedTo,
	}, caller(tc))
	if err != nil {
		return tool.ErrorResult("task_add: %s", err)
	}

	result := tool.TextResult("created " + formatTask(created)).WithMetadata("task_id", created.ID)
	if created.AssignedTo != args.AssignedTo && created.AssignedTo != "" {
		// A new: spec was resolved; surface the delegate linkage.
		result = result.WithMetadata("delegate_thread_id", created.AssignedTo)
	}
	return result
}

// TaskList lists session tasks by scope.
type TaskList struct {
	Tasks *task.Manager
}

func (TaskList) Name() string { return "task_list" }

func (TaskList) Description() string {
	return "List tasks on the session task list."
}

func (TaskList) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"filter": {
				Type:        "string",
				Description: "Which tasks to list",
				Enum:        []string{"mine", "created", "thread", "all"},
			},
			"includeCompleted": {Type: "boolean", Description: "Include completed and archived tasks"},
		},
	}
}

func (TaskList) Annotations() tool.Annotations {
	return tool.Annotations{ReadOnlyHint: true}
}

func (tt TaskList) Execute(ctx context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		Filter           string `json:"filter"`
		IncludeCompleted bool   `json:"includeCompleted"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}
	if args.Filter == "" {
		args.Filter = string(task.ScopeAll)
	}

	tasks, err := tt.Tasks.List(ctx, task.ListScope(args.Filter), args.IncludeCompleted, caller(tc))
	if err != nil {
		return tool.ErrorResult("task_list: %s", err)
	}
	if len(tasks) == 0 {
		return tool.TextResult("no tasks")
	}

	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		lines = append(lines, formatTask(t))
	}
	return tool.TextResult(strings.Join(lines, "\n"))
}

// TaskUpdate patches a task's mutable fields.
type TaskUpdate struct {
	Tasks *task.Manager
}

func (TaskUpdate) Name() string { return "task_update" }

func (TaskUpdate) Description() string {
	return "Update a task: status, priority, title, description, prompt or assignee."
}

func (TaskUpdate) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"taskId":      {Type: "string", Description: "The task to update"},
			"status":      {Type: "string", Enum: []string{"pending", "in_progress", "blocked", "completed", "archived"}},
			"priority":    {Type: "string", Enum: []string{"high", "medium", "low"}},
			"title":       {Type: "string"},
			"description": {Type: "string"},
			"prompt":      {Type: "string"},
			"assignedTo":  {Type: "string", Description: "Thread id or new:provider/model"},
		},
		Required: []string{"taskId"},
	}
}

func (TaskUpdate) Annotations() tool.Annotations { return tool.Annotations{} }

func (tt TaskUpdate) Execute(ctx context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		TaskID      string  `json:"taskId"`
		Status      *string `json:"status"`
		Priority    *string `json:"priority"`
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Prompt      *string `json:"prompt"`
		AssignedTo  *string `json:"assignedTo"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}

	var patch task.Patch
	if args.Status != nil {
		s := task.Status(*args.Status)
		patch.Status = &s
	}
	if args.Priority != nil {
		p := task.Priority(*args.Priority)
		patch.Priority = &p
	}
	patch.Title = args.Title
	patch.Description = args.Description
	patch.Prompt = args.Prompt
	patch.AssignedTo = args.AssignedTo

	updated, err := tt.Tasks.Update(ctx, args.TaskID, patch, caller(tc))
	if err != nil {
		return tool.ErrorResult("task_update: %s", err)
	}
	return tool.TextResult("updated " + formatTask(updated))
}

// TaskAddNote appends a note to a task.
type TaskAddNote struct {
	Tasks *task.Manager
}

func (TaskAddNote) Name() string { return "task_add_note" }

func (TaskAddNote) Description() string {
	return "Add a note to a task. Notes are how agents report progress on shared tasks."
}

func (TaskAddNote) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"taskId":  {Type: "string", Description: "The task to annotate"},
			"content": {Type: "string", Description: "The note text"},
		},
		Required: []string{"taskId", "content"},
	}
}

func (TaskAddNote) Annotations() tool.Annotations { return tool.Annotations{} }

func (tt TaskAddNote) Execute(ctx context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		TaskID  string `json:"taskId"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}

	updated, err := tt.Tasks.AddNote(ctx, args.TaskID, args.Content, caller(tc))
	if err != nil {
		return tool.ErrorResult("task_add_note: %s", err)
	}
	return tool.TextResult(fmt.Sprintf("added note to %s (%d notes)", updated.ID, len(updated.Notes)))
}

// TaskTools returns the task management tools bound to one session's
// manager.
func TaskTools(m *task.Manager) []tool.Tool {
	return []tool.Tool{
		TaskAdd{Tasks: m},
		TaskList{Tasks: m},
		TaskUpdate{Tasks: m},
		TaskAddNote{Tasks: m},
	}
}
