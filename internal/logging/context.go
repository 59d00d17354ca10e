package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that keeps the parent's values but is
// never cancelled when the parent is.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout detaches from parent and applies its own deadline.
// Audit and persistence writes use it so a client disconnect cannot abort a
// half-finished write, while a stuck backend still cannot hold the turn forever.
//
//	writeCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := sink.RecordInteraction(writeCtx, turn)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
