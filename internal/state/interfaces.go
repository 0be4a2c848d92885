package state

import (
	"context"
	"time"
)

// LimitStore tracks per-user request timestamps inside a sliding window.
// CheckAndAdd atomically records the request when it is admitted and reports
// the retry-after hint in seconds when it is not. A limit <= 0 disables the
// check. Implementations must be safe for concurrent use.
type LimitStore interface {
	Connect(ctx context.Context) error
	Close() error
	CheckAndAdd(ctx context.Context, userID string, limit int, nowMillis int64, window time.Duration) (bool, float64, error)
}

// TelemetryStore is a sink for finished request records. Insert must be safe
// to call concurrently; the pipeline serializes writes through one worker but
// integration tests call it directly.
type TelemetryStore interface {
	Connect(ctx context.Context) error
	Close() error
	Insert(ctx context.Context, rec TelemetryRecord) error
}
