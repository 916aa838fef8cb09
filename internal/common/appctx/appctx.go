// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"

	"github.com/headspace/headspace/internal/common/logger"
)

// Detached returns a context that is not tied to the parent's cancellation.
// Use this for work that must outlive the request that triggered it, such as
// summary generation after a hook response has been written. The returned
// context is cancelled when the stop channel closes or the timeout expires.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	// Propagate shutdown from stopCh
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// DetachedWithValues is Detached plus correlation metadata copied from the
// parent so detached work still logs under the originating request.
func DetachedWithValues(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := Detached(parent, stopCh, timeout)

	if id, ok := parent.Value(logger.CorrelationIDKey).(string); ok && id != "" {
		ctx = context.WithValue(ctx, logger.CorrelationIDKey, id)
	}
	if id, ok := parent.Value(logger.RequestIDKey).(string); ok && id != "" {
		ctx = context.WithValue(ctx, logger.RequestIDKey, id)
	}

	return ctx, cancel
}
