package state

import (
	"context"
	"sync"
	"time"
)

// MemoryLimitStore keeps per-user sliding windows in process memory. Each
// user bucket carries its own lock so hot users do not serialize everyone.
type MemoryLimitStore struct {
	mu      sync.Mutex
	windows map[string]*userWindow
}

type userWindow struct {
	mu     sync.Mutex
	stamps []int64
}

func NewMemoryLimitStore() *MemoryLimitStore {
	return &MemoryLimitStore{windows: make(map[string]*userWindow)}
}

func (s *MemoryLimitStore) Connect(ctx context.Context) error { return nil }

func (s *MemoryLimitStore) Close() error { return nil }

func (s *MemoryLimitStore) CheckAndAdd(ctx context.Context, userID string, limit int, nowMillis int64, window time.Duration) (bool, float64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	w := s.bucket(userID)
	cutoff := nowMillis - window.Milliseconds()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = pruneBefore(w.stamps, cutoff)
	if len(w.stamps) >= limit {
		oldest := w.stamps[0]
		retry := window.Seconds() - float64(nowMillis-oldest)/1000.0
		if retry < 0 {
			retry = 0
		}
		return false, retry, nil
	}
	w.stamps = append(w.stamps, nowMillis)
	return true, 0, nil
}

func (s *MemoryLimitStore) bucket(userID string) *userWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[userID]
	if !ok {
		w = &userWindow{}
		s.windows[userID] = w
	}
	return w
}

func pruneBefore(in []int64, cutoff int64) []int64 {
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	return append(in[:0], in[i:]...)
}
