package lace

import (
	"errors"
	"reflect"
	"testing"

	"github.com/lacehq/lace/tool"
)

func floatPtr(f float64) *float64 { return &f }

func TestSettingsMergeCascade(t *testing.T) {
	project := Settings{
		Provider:    "anthropic",
		Model:       "claude-sonnet-4",
		Temperature: floatPtr(0.5),
		Tools:       []string{"file_read", "bash"},
		ToolPolicies: map[string]tool.Policy{
			"bash": tool.PolicyRequireApproval,
		},
	}
	session := Settings{Temperature: floatPtr(0.8)}
	agent := Settings{
		ToolPolicies: map[string]tool.Policy{"bash": tool.PolicyDeny},
	}

	effective := project.Merge(session).Merge(agent)

	if effective.Temperature == nil || *effective.Temperature != 0.8 {
		t.Errorf("Temperature = %v, want 0.8", effective.Temperature)
	}
	if !reflect.DeepEqual(effective.Tools, []string{"file_read", "bash"}) {
		t.Errorf("Tools = %v, want [file_read bash]", effective.Tools)
	}
	if effective.ToolPolicies["bash"] != tool.PolicyDeny {
		t.Errorf("ToolPolicies[bash] = %q, want deny", effective.ToolPolicies["bash"])
	}
	if effective.Provider != "anthropic" || effective.Model != "claude-sonnet-4" {
		t.Errorf("provider/model = %s/%s, want anthropic/claude-sonnet-4", effective.Provider, effective.Model)
	}
}

func TestSettingsMergeScalars(t *testing.T) {
	parent := Settings{
		Provider:            "anthropic",
		Model:               "claude-sonnet-4",
		MaxTokens:           4096,
		SystemPrompt:        "base",
		ConversationHistory: 20,
	}

	got := parent.Merge(Settings{})
	if !reflect.DeepEqual(got, parent) {
		t.Errorf("zero child changed settings: %+v", got)
	}

	got = parent.Merge(Settings{Model: "claude-haiku", MaxTokens: 1024})
	if got.Model != "claude-haiku" || got.MaxTokens != 1024 {
		t.Errorf("child scalars not applied: %+v", got)
	}
	if got.Provider != "anthropic" || got.SystemPrompt != "base" {
		t.Errorf("unset child fields overwrote parent: %+v", got)
	}
}

func TestSettingsMergeTemperaturePointer(t *testing.T) {
	parent := Settings{Temperature: floatPtr(0.7)}

	got := parent.Merge(Settings{})
	if got.Temperature == nil || *got.Temperature != 0.7 {
		t.Errorf("nil child temperature overwrote parent: %v", got.Temperature)
	}

	// An explicit zero is a real override, unlike a nil pointer.
	got = parent.Merge(Settings{Temperature: floatPtr(0)})
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("explicit zero temperature ignored: %v", got.Temperature)
	}
}

func TestSettingsMergeArraysReplace(t *testing.T) {
	parent := Settings{
		Tools:        []string{"bash", "file_read"},
		Restrictions: []string{tool.RestrictionNoEscapeCWD},
	}

	got := parent.Merge(Settings{Tools: []string{"file_read"}})
	if !reflect.DeepEqual(got.Tools, []string{"file_read"}) {
		t.Errorf("Tools = %v, want [file_read]", got.Tools)
	}
	if !reflect.DeepEqual(got.Restrictions, parent.Restrictions) {
		t.Errorf("Restrictions = %v, want parent's", got.Restrictions)
	}

	// An empty non-nil slice clears the list rather than inheriting.
	got = parent.Merge(Settings{Tools: []string{}})
	if got.Tools == nil || len(got.Tools) != 0 {
		t.Errorf("Tools = %v, want empty", got.Tools)
	}
}

func TestSettingsMergeToolPoliciesKeywise(t *testing.T) {
	parent := Settings{ToolPolicies: map[string]tool.Policy{
		"bash":       tool.PolicyRequireApproval,
		"file_write": tool.PolicyRequireApproval,
	}}
	child := Settings{ToolPolicies: map[string]tool.Policy{
		"bash":      tool.PolicyAllow,
		"file_read": tool.PolicyAllow,
	}}

	got := parent.Merge(child)
	want := map[string]tool.Policy{
		"bash":       tool.PolicyAllow,
		"file_write": tool.PolicyRequireApproval,
		"file_read":  tool.PolicyAllow,
	}
	if !reflect.DeepEqual(map[string]tool.Policy(got.ToolPolicies), want) {
		t.Errorf("ToolPolicies = %v, want %v", got.ToolPolicies, want)
	}
	if parent.ToolPolicies["bash"] != tool.PolicyRequireApproval {
		t.Error("Merge mutated the parent's policy map")
	}
}

func TestProjectConfigValidate(t *testing.T) {
	cfg := ProjectConfig{Name: "demo"}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}

	cfg.WorkingDirectory = "/tmp/demo"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
