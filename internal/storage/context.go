package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds a single store round trip when the caller set no deadline.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout applies DefaultQueryTimeout unless ctx already carries a deadline.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
