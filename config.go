package lace

import (
	"fmt"

	"github.com/lacehq/lace/tool"
)

// Settings is the configuration shape shared by the project, session and
// agent layers. Effective values are computed by merging project →
// session → agent: scalars override when the child sets them, arrays
// replace wholesale, ToolPolicies merges key-wise with child keys
// winning.
type Settings struct {
	// Provider names a registered provider instance.
	Provider string `json:"providerInstanceId,omitempty"`

	// Model is the provider-specific model id.
	Model string `json:"modelId,omitempty"`

	MaxTokens    int64    `json:"maxTokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`

	// Tools whitelists tool names. Nil means all registered tools.
	Tools []string `json:"tools,omitempty"`

	ToolPolicies map[string]tool.Policy `json:"toolPolicies,omitempty"`

	Capabilities []string `json:"capabilities,omitempty"`
	Restrictions []string `json:"restrictions,omitempty"`

	MemorySize int `json:"memorySize,omitempty"`

	// ConversationHistory is the window size in messages.
	ConversationHistory int `json:"conversationHistory,omitempty"`

	Role string `json:"role,omitempty"`
}

// Merge returns s overridden by child. s and child are not modified.
func (s Settings) Merge(child Settings) Settings {
	out := s

	if child.Provider != "" {
		out.Provider = child.Provider
	}
	if child.Model != "" {
		out.Model = child.Model
	}
	if child.MaxTokens != 0 {
		out.MaxTokens = child.MaxTokens
	}
	if child.Temperature != nil {
		out.Temperature = child.Temperature
	}
	if child.SystemPrompt != "" {
		out.SystemPrompt = child.SystemPrompt
	}
	if child.Tools != nil {
		out.Tools = child.Tools
	}
	if child.Capabilities != nil {
		out.Capabilities = child.Capabilities
	}
	if child.Restrictions != nil {
		out.Restrictions = child.Restrictions
	}
	if child.MemorySize != 0 {
		out.MemorySize = child.MemorySize
	}
	if child.ConversationHistory != 0 {
		out.ConversationHistory = child.ConversationHistory
	}
	if child.Role != "" {
		out.Role = child.Role
	}

	if len(child.ToolPolicies) > 0 {
		merged := make(map[string]tool.Policy, len(s.ToolPolicies)+len(child.ToolPolicies))
		for name, p := range s.ToolPolicies {
			merged[name] = p
		}
		for name, p := range child.ToolPolicies {
			merged[name] = p
		}
		out.ToolPolicies = merged
	}

	return out
}

// ProjectConfig is the top of the configuration chain: a working
// directory plus defaults for every session under it.
type ProjectConfig struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`

	Settings
}

// Validate checks the fields a project cannot work without.
func (c *ProjectConfig) Validate() error {
	if c.WorkingDirectory == "" {
		return fmt.Errorf("%w: working directory is required", ErrInvalidConfig)
	}
	return nil
}

// SessionConfig overrides project settings for one session.
type SessionConfig struct {
	Name string `json:"name"`

	Settings
}

// AgentConfig overrides session settings for one agent.
type AgentConfig struct {
	Settings
}
