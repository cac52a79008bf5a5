package kernel

import "context"

// processScopeKey is the unexported context key binding a process id to
// a context.Context. The LLM-usage callback (RecordLLMCall and friends)
// reads the pid from ctx rather than from any module-level mutable
// state, so concurrent requests on the same kernel never cross-wire
// their usage accounting.
type processScopeKey struct{}

// WithProcessScope binds pid into ctx for the duration of a handler
// invocation. Every goroutine the kernel spawns to execute a request
// derives its context from the result of this call.
func WithProcessScope(ctx context.Context, pid string) context.Context {
	return context.WithValue(ctx, processScopeKey{}, pid)
}

// ProcessIDFromContext recovers the pid bound by WithProcessScope.
func ProcessIDFromContext(ctx context.Context) (string, bool) {
	pid, ok := ctx.Value(processScopeKey{}).(string)
	return pid, ok && pid != ""
}
