// Package session holds per-conversation execution state in memory.
//
// Invariants:
// - Session ids are validated and stable for the life of the process.
// - A session's step budget is fixed when it is created.
// - Memory is append-only and sessions are never removed by the store.
// - At most one execution holds a session's lease at any time.
//
// Usage:
//
//	store := session.New()
//	sess, _ := store.GetOrCreate("session-1", 10)
//	if sess.TryAcquire() {
//		defer sess.Release()
//		sess.AppendMessage(session.Message{Role: session.RoleUser, Content: "hello"})
//	}
package session
