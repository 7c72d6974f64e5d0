// Package contextx provides context utilities for the regencache package.
package contextx

import (
	"context"
	"time"
)

// WithCleanupTimeout derives a context for cleanup work, such as releasing a
// distributed lock, that must proceed even when the parent has already been
// cancelled. Values (tracing, request identity) are preserved; cancellation
// is not. The timeout bounds the cleanup so it can never block indefinitely.
// The caller must call the returned cancel function.
func WithCleanupTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
