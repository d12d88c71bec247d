package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lacehq/lace/tool"
)

// FileRead returns file contents, optionally a line range.
type FileRead struct{}

func (FileRead) Name() string { return "file_read" }

func (FileRead) Description() string {
	return "Read a file. Optionally pass startLine and endLine (1-based, inclusive) to read a range."
}

func (FileRead) Schema() tool.Schema {
	one := float64(1)
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"path": {
				Type:        "string",
				Description: "File path, absolute or relative to the working directory",
			},
			"startLine": {
				Type:        "integer",
				Description: "First line to read (1-based)",
				Minimum:     &one,
			},
			"endLine": {
				Type:        "integer",
				Description: "Last line to read (inclusive)",
				Minimum:     &one,
			},
		},
		Required: []string{"path"},
	}
}

func (FileRead) Annotations() tool.Annotations {
	return tool.Annotations{ReadOnlyHint: true}
}

func (FileRead) Execute(_ context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		Path      string `json:"path"`
		StartLine int    `json:"startLine"`
		EndLine   int    `json:"endLine"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}

	path, err := tc.ResolvePath(args.Path)
	if err != nil {
		return tool.ErrorResult("file_read: %s", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tool.ErrorResult("file_read: %s", err)
	}

	content := string(data)
	if args.StartLine > 0 || args.EndLine > 0 {
		lines := strings.Split(content, "\n")
		start := args.StartLine
		if start < 1 {
			start = 1
		}
		end := args.EndLine
		if end < 1 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) || start > end {
			return tool.ErrorResult("file_read: line range %d-%d out of bounds (%d lines)", args.StartLine, args.EndLine, len(lines))
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	return tool.TextResult(content)
}

// FileWrite creates or replaces a file.
type FileWrite struct{}

func (FileWrite) Name() string { return "file_write" }

func (FileWrite) Description() string {
	return "Write content to a file, creating it and any missing parent directories."
}

func (FileWrite) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"path": {
				Type:        "string",
				Description: "File path, absolute or relative to the working directory",
			},
			"content": {
				Type:        "string",
				Description: "Content to write",
			},
		},
		Required: []string{"path", "content"},
	}
}

func (FileWrite) Annotations() tool.Annotations {
	return tool.Annotations{DestructiveHint: true}
}

func (FileWrite) Execute(_ context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}

	path, err := tc.ResolvePath(args.Path)
	if err != nil {
		return tool.ErrorResult("file_write: %s", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tool.ErrorResult("file_write: %s", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return tool.ErrorResult("file_write: %s", err)
	}
	return tool.TextResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path))
}

// FileList lists directory entries, directories suffixed with "/".
type FileList struct{}

func (FileList) Name() string { return "file_list" }

func (FileList) Description() string {
	return "List the entries of a directory. Defaults to the working directory."
}

func (FileList) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"path": {
				Type:        "string",
				Description: "Directory path, defaults to the working directory",
			},
		},
	}
}

func (FileList) Annotations() tool.Annotations {
	return tool.Annotations{ReadOnlyHint: true}
}

func (FileList) Execute(_ context.Context, call tool.Call, tc *tool.Context) tool.Result {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return tool.ErrorResult("invalid arguments: %s", err)
	}
	if args.Path == "" {
		args.Path = "."
	}

	path, err := tc.ResolvePath(args.Path)
	if err != nil {
		return tool.ErrorResult("file_list: %s", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return tool.ErrorResult("file_list: %s", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return tool.TextResult("(empty directory)")
	}
	return tool.TextResult(strings.Join(names, "\n"))
}
