package engine

import "context"

// hookGate suppresses save-hook dispatch for saves the engine performs on
// its own behalf. The suppression mark travels on the context, so it covers
// exactly the call tree under the engine's write and never the saves of
// concurrent callers.
type hookGate struct{}

type hookSuppressKey struct{}

func (hookGate) suppress(ctx context.Context) context.Context {
	return context.WithValue(ctx, hookSuppressKey{}, true)
}

func (hookGate) suppressed(ctx context.Context) bool {
	on, _ := ctx.Value(hookSuppressKey{}).(bool)
	return on
}
