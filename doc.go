// Package lace is the runtime core of a multi-agent coding assistant.
//
// Conversations are event-sourced: every user message, model response,
// tool call and tool result is an immutable event on a thread, and all
// conversational state is rebuilt from the event sequence. Threads form
// a hierarchy; a session's root thread hosts the main agent, and tasks
// assigned to "new:provider/model" spawn delegate agents on child
// threads.
//
// The top-level objects compose as client → project → session → agent:
//
//	store, _ := storage.NewSQLiteStore("lace.db")
//	client, _ := lace.NewClient(lace.ClientConfig{Store: store, Providers: providers})
//	project, _ := client.NewProject(lace.ProjectConfig{
//		Name:             "demo",
//		WorkingDirectory: "/src/demo",
//		Settings:         lace.Settings{Provider: "anthropic", Model: "claude-sonnet-4"},
//	})
//	session, _ := project.NewSession(ctx, lace.SessionConfig{Name: "fix tests"})
//	main, _ := session.Agent(ctx, lace.AgentConfig{})
//	err := main.SendMessage(ctx, "run the tests and fix what fails")
//
// Settings cascade from project to session to agent: scalars override
// when set, arrays replace wholesale, and tool policies merge per tool.
// Tool execution is gated by policy (allow, deny, require-approval) with
// interactive decisions cached per call or per session.
package lace
