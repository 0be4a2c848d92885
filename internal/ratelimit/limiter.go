// Package ratelimit enforces per-user sliding-window admission limits on top
// of a pluggable window store.
package ratelimit

import (
	"context"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
)

// Policy caps how many requests one user may submit inside Window.
// MaxRequests <= 0 disables the limit.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

type Limiter struct {
	store     state.LimitStore
	policy    Policy
	overrides map[string]Policy
}

func New(store state.LimitStore, policy Policy, overrides map[string]Policy) *Limiter {
	return &Limiter{store: store, policy: policy, overrides: overrides}
}

func (l *Limiter) Connect(ctx context.Context) error { return l.store.Connect(ctx) }

func (l *Limiter) Close() error { return l.store.Close() }

// Check admits or rejects one submission. A rejection carries a retry-after
// hint in seconds, never larger than the user's window.
func (l *Limiter) Check(ctx context.Context, userID string, now time.Time) (bool, float64, error) {
	p := l.policy
	if o, ok := l.overrides[userID]; ok {
		p = o
	}
	if p.MaxRequests <= 0 {
		return true, 0, nil
	}
	return l.store.CheckAndAdd(ctx, userID, p.MaxRequests, now.UnixMilli(), p.Window)
}
