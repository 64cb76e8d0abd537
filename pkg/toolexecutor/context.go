package toolexecutor

import "context"

type executionKey struct{}

// WithExecution returns ctx carrying execCtx, so handlers invoked through
// the engine can see which session and step called them.
func WithExecution(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, executionKey{}, execCtx)
}

// ExecutionFrom returns the execution context stored by WithExecution, or nil.
func ExecutionFrom(ctx context.Context) *ExecutionContext {
	execCtx, _ := ctx.Value(executionKey{}).(*ExecutionContext)
	return execCtx
}
