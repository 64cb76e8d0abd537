// Package agent runs one think/act step of a session's agent at a time.
//
// Invariants:
//   - A step on a Finished or Error session is rejected with InvalidStateError.
//   - CurrentStep only advances when a step acts, and never past MaxSteps.
//   - Model and tool failures are returned as step text, not errors.
//   - A panic inside a capability moves the session to Error and is reported
//     as EngineFault.
//   - Caller cancellation never interrupts a step midway.
//
// Usage:
//
//	engine, _ := agent.NewEngine(agent.Config{
//		Store:      store,
//		Completion: agent.NewProviderCompletion(provider, agent.CompletionConfig{Model: "claude-sonnet-4"}),
//		Tools:      executor,
//	})
//	result, err := engine.Step(ctx, sessionID)
package agent
