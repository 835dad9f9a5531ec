package utils

import (
	"context"
	"time"
)

// Detached keeps ctx values (trace, request id) but drops its cancellation,
// for writes that must outlive the request such as audit records.
func Detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
