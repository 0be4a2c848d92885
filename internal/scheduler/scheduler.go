// Package scheduler holds admitted requests in two FIFO queues sharing one
// capacity budget. Fresh arrivals land on the new queue; requests that could
// not reserve capacity park on the waiting queue, which dispatch prefers.
package scheduler

import (
	"errors"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
	"github.com/microsoft/Shiksha-Copilot-sub001/pkg/llmqapi"
)

var ErrQueueFull = errors.New("scheduler queue is full")

// Request is one admitted submission moving through the queues.
type Request struct {
	ID          string
	ReqType     string
	Payload     any
	Preferences llmqapi.ModelPreferences
	Telemetry   *state.TelemetryRecord
	Deadline    time.Time
}

// Scheduler is not safe for concurrent use on its own; the queue core calls
// it under one mutex and never across a blocking operation.
type Scheduler struct {
	max      int
	fresh    []*Request
	waiting  []*Request
	inflight map[string]*Request
	// held counts requests popped for a dispatch decision but not yet
	// re-queued, in flight, or dropped. They still occupy capacity.
	held int
}

func New(maxQueueSize int) *Scheduler {
	return &Scheduler{
		max:      maxQueueSize,
		inflight: make(map[string]*Request),
	}
}

func (s *Scheduler) live() int {
	return len(s.fresh) + len(s.waiting) + len(s.inflight) + s.held
}

// OfferNew admits a request to the tail of the new queue.
func (s *Scheduler) OfferNew(r *Request) error {
	if s.max > 0 && s.live() >= s.max {
		return ErrQueueFull
	}
	s.fresh = append(s.fresh, r)
	return nil
}

// OfferWaiting parks a held request at the tail of the waiting queue.
func (s *Scheduler) OfferWaiting(r *Request) {
	s.held--
	s.waiting = append(s.waiting, r)
}

// PushWaitingFront returns a held request to the head of the waiting queue,
// preserving its position for the next dispatch round.
func (s *Scheduler) PushWaitingFront(r *Request) {
	s.held--
	s.waiting = append([]*Request{r}, s.waiting...)
}

func (s *Scheduler) PopNew() *Request {
	if len(s.fresh) == 0 {
		return nil
	}
	r := s.fresh[0]
	s.fresh = s.fresh[1:]
	s.held++
	return r
}

func (s *Scheduler) PopWaiting() *Request {
	if len(s.waiting) == 0 {
		return nil
	}
	r := s.waiting[0]
	s.waiting = s.waiting[1:]
	s.held++
	return r
}

// Drop releases a held request's capacity without re-queueing it.
func (s *Scheduler) Drop() {
	s.held--
}

// MarkInFlight moves a held request into the in-flight set.
func (s *Scheduler) MarkInFlight(r *Request) {
	s.held--
	s.inflight[r.ID] = r
}

// Done releases an in-flight request's capacity.
func (s *Scheduler) Done(id string) {
	delete(s.inflight, id)
}

// Cancel removes a queued request wherever it sits. It reports whether the
// request was still queued; cancelling an unknown or in-flight id is a no-op,
// so repeated calls are safe.
func (s *Scheduler) Cancel(id string) bool {
	for i, r := range s.fresh {
		if r.ID == id {
			s.fresh = append(s.fresh[:i], s.fresh[i+1:]...)
			return true
		}
	}
	for i, r := range s.waiting {
		if r.ID == id {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) HasWork() bool {
	return len(s.fresh) > 0 || len(s.waiting) > 0
}

// ExpireBefore removes and returns every queued request whose deadline has
// passed. In-flight requests are never expired here; their callers time out
// on their own wait.
func (s *Scheduler) ExpireBefore(now time.Time) []*Request {
	var expired []*Request
	s.fresh, expired = splitExpired(s.fresh, expired, now)
	s.waiting, expired = splitExpired(s.waiting, expired, now)
	return expired
}

func splitExpired(in []*Request, expired []*Request, now time.Time) ([]*Request, []*Request) {
	kept := in[:0]
	for _, r := range in {
		if !r.Deadline.IsZero() && !now.Before(r.Deadline) {
			expired = append(expired, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, expired
}

// NextDeadline returns the earliest queued deadline, or the zero time when
// nothing is queued.
func (s *Scheduler) NextDeadline() time.Time {
	var next time.Time
	for _, q := range [][]*Request{s.fresh, s.waiting} {
		for _, r := range q {
			if r.Deadline.IsZero() {
				continue
			}
			if next.IsZero() || r.Deadline.Before(next) {
				next = r.Deadline
			}
		}
	}
	return next
}

// Depths reports queue occupancy for metrics.
func (s *Scheduler) Depths() (fresh, waiting, inflight int) {
	return len(s.fresh), len(s.waiting), len(s.inflight)
}
