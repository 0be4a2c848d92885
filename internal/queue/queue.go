// Package queue is the admission and dispatch core. One Queue per process
// ties together the rate limiter, the scheduler, the resource checker, the
// request controllers and the telemetry pipeline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/balancer"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/controller"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/observability"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/ratelimit"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/scheduler"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/telemetry"
	"github.com/microsoft/Shiksha-Copilot-sub001/pkg/llmqapi"
)

type Config struct {
	// TTL bounds how long a request may sit queued before its caller gets a
	// timeout. Zero disables expiry.
	TTL time.Duration
	// MaxQueueSize caps queued plus in-flight requests. Zero means
	// unbounded.
	MaxQueueSize int
	// TelemetryBuffer sizes the pipeline channel.
	TelemetryBuffer int
	// Clock is overridden by tests.
	Clock func() time.Time
}

// waiter is the rendezvous between a Submit call and the execution task. The
// response channel holds one slot so the executor never blocks on delivery.
// Delivery and abandonment are mutually exclusive: whichever side resolves
// the waiter first wins, the other observes it.
type waiter struct {
	ch chan llmqapi.SubmitResponse

	mu        sync.Mutex
	delivered bool
	abandoned bool
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan llmqapi.SubmitResponse, 1)}
}

// tryDeliver buffers the response for the caller unless the caller already
// gave up. It reports whether the response was accepted.
func (w *waiter) tryDeliver(resp llmqapi.SubmitResponse) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned || w.delivered {
		return false
	}
	w.delivered = true
	w.ch <- resp
	return true
}

// abandon marks the caller as gone. It reports false when a response was
// already delivered, in which case the caller must consume it instead.
func (w *waiter) abandon() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.delivered {
		return false
	}
	w.abandoned = true
	return true
}

func (w *waiter) isAbandoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abandoned
}

type Queue struct {
	cfg         Config
	limiter     *ratelimit.Limiter
	checker     *balancer.Checker
	store       state.TelemetryStore
	controllers map[string]controller.Controller
	clock       func() time.Time

	mu        sync.Mutex
	sched     *scheduler.Scheduler
	waiters   map[string]*waiter
	seq       uint64
	accepting bool
	started   bool

	pipeline     *telemetry.Pipeline
	stop         chan struct{}
	wake         chan struct{}
	dispatchDone chan struct{}
	execWG       sync.WaitGroup
	execCtx      context.Context
	execCancel   context.CancelFunc
}

func New(cfg Config, limiter *ratelimit.Limiter, checker *balancer.Checker, store state.TelemetryStore, controllers map[string]controller.Controller) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Queue{
		cfg:         cfg,
		limiter:     limiter,
		checker:     checker,
		store:       store,
		controllers: controllers,
		clock:       cfg.Clock,
		sched:       scheduler.New(cfg.MaxQueueSize),
		waiters:     make(map[string]*waiter),
		stop:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
	}
}

// Initiate connects the stores and starts the dispatcher. Store failures are
// fatal here; after startup the queue degrades instead of stopping.
func (q *Queue) Initiate(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already initiated")
	}
	q.started = true
	q.mu.Unlock()

	if err := q.limiter.Connect(ctx); err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	p, err := telemetry.NewPipeline(ctx, q.store, q.cfg.TelemetryBuffer)
	if err != nil {
		return fmt.Errorf("telemetry store: %w", err)
	}
	q.pipeline = p
	q.execCtx, q.execCancel = context.WithCancel(context.Background())

	q.mu.Lock()
	q.accepting = true
	q.mu.Unlock()

	go q.dispatchLoop()
	return nil
}

// Submit runs one request through admission, waits for its execution and
// returns a classified outcome. It blocks up to the scheduler TTL.
func (q *Queue) Submit(ctx context.Context, req llmqapi.SubmitRequest) llmqapi.SubmitResponse {
	q.mu.Lock()
	accepting := q.accepting
	q.mu.Unlock()
	if !accepting {
		return llmqapi.SubmitResponse{Status: llmqapi.StatusResourceError, ErrorMessage: "queue is shut down"}
	}

	if req.UserID == "" {
		observability.Default.IncCounter("llm_requests_rejected_total", map[string]string{"reason": "missing_user_id"}, 1)
		return llmqapi.SubmitResponse{Status: llmqapi.StatusMissingUserID, ErrorMessage: "user_id is required"}
	}
	if _, ok := q.controllers[req.ReqType]; !ok {
		observability.Default.IncCounter("llm_requests_rejected_total", map[string]string{"reason": "unknown_req_type"}, 1)
		return llmqapi.SubmitResponse{Status: llmqapi.StatusResourceError, ErrorMessage: fmt.Sprintf("no controller registered for req_type %q", req.ReqType)}
	}
	if err := q.checker.Validate(req.Preferences); err != nil {
		observability.Default.IncCounter("llm_requests_rejected_total", map[string]string{"reason": "resource"}, 1)
		return llmqapi.SubmitResponse{Status: llmqapi.StatusResourceError, ErrorMessage: err.Error()}
	}

	now := q.clock()
	limitCtx, limitSpan := observability.StartSpan(ctx, "queue.ratelimit",
		attribute.String("user_id", req.UserID),
	)
	ok, retryAfter, err := q.limiter.Check(limitCtx, req.UserID, now)
	limitSpan.SetAttributes(attribute.Bool("allowed", ok))
	limitSpan.End()
	if err != nil {
		observability.Default.IncCounter("llm_requests_rejected_total", map[string]string{"reason": "limit_store"}, 1)
		return llmqapi.SubmitResponse{Status: llmqapi.StatusResourceError, ErrorMessage: fmt.Sprintf("rate limit store: %v", err)}
	}
	if !ok {
		observability.Default.IncCounter("llm_requests_rejected_total", map[string]string{"reason": "rate_limited"}, 1)
		return llmqapi.SubmitResponse{
			Status:            llmqapi.StatusRateLimited,
			ErrorMessage:      "user rate limit exceeded",
			RetryAfterSeconds: retryAfter,
		}
	}

	rec, sr := q.buildRequest(req, now)
	w := newWaiter()

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return llmqapi.SubmitResponse{Status: llmqapi.StatusResourceError, ErrorMessage: "queue is shut down"}
	}
	if err := q.sched.OfferNew(sr); err != nil {
		q.mu.Unlock()
		observability.Default.IncCounter("llm_requests_rejected_total", map[string]string{"reason": "queue_full"}, 1)
		return llmqapi.SubmitResponse{Status: llmqapi.StatusQueueFull, ErrorMessage: "scheduler queue is full"}
	}
	rec.RequestQueuedAt = q.clock().UnixMilli()
	q.waiters[sr.ID] = w
	q.updateDepthGauges()
	q.mu.Unlock()

	observability.Default.IncCounter("llm_requests_admitted_total", nil, 1)
	q.signal()

	return q.await(ctx, sr, w)
}

func (q *Queue) buildRequest(req llmqapi.SubmitRequest, now time.Time) (*state.TelemetryRecord, *scheduler.Request) {
	q.mu.Lock()
	q.seq++
	id := fmt.Sprintf("req-%012d", q.seq)
	q.mu.Unlock()

	rec := state.NewTelemetryRecord(id)
	rec.UserID = req.UserID
	rec.ReqType = req.ReqType
	rec.ReqPayload = renderPayload(req.Payload)
	rec.RequestReceivedAt = now.UnixMilli()

	var deadline time.Time
	if q.cfg.TTL > 0 {
		deadline = now.Add(q.cfg.TTL)
	}
	return &rec, &scheduler.Request{
		ID:          id,
		ReqType:     req.ReqType,
		Payload:     req.Payload,
		Preferences: req.Preferences,
		Telemetry:   &rec,
		Deadline:    deadline,
	}
}

func (q *Queue) await(ctx context.Context, sr *scheduler.Request, w *waiter) llmqapi.SubmitResponse {
	var expire <-chan time.Time
	if q.cfg.TTL > 0 {
		t := time.NewTimer(q.cfg.TTL)
		defer t.Stop()
		expire = t.C
	}

	select {
	case resp := <-w.ch:
		return resp
	case <-expire:
	case <-ctx.Done():
	}

	if !w.abandon() {
		// delivery won the race; the response is already buffered
		return <-w.ch
	}
	q.mu.Lock()
	cancelled := q.sched.Cancel(sr.ID)
	delete(q.waiters, sr.ID)
	q.updateDepthGauges()
	q.mu.Unlock()

	if cancelled {
		// the request never reached a controller; this is its only telemetry
		sr.Telemetry.ErrorMessage = "timeout"
		q.pipeline.Publish(*sr.Telemetry)
	}
	observability.Default.IncCounter("llm_requests_timed_out_total", nil, 1)
	return llmqapi.SubmitResponse{Status: llmqapi.StatusTimeout, ErrorMessage: "request timed out in queue"}
}

// GracefulShutdown stops intake, lets in-flight work finish until ctx
// expires, fails whatever is still queued and drains telemetry.
func (q *Queue) GracefulShutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return nil
	}
	q.accepting = false
	q.mu.Unlock()

	close(q.stop)
	<-q.dispatchDone

	finished := make(chan struct{})
	go func() {
		q.execWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		log.Printf("shutdown grace expired, cancelling in-flight requests")
		q.execCancel()
		<-finished
	}

	q.failQueued("queue shut down")
	q.execCancel()

	if err := q.pipeline.Close(ctx); err != nil {
		log.Printf("telemetry close: %v", err)
	}
	return q.limiter.Close()
}

// failQueued delivers a terminal failure to every caller still parked in the
// scheduler.
func (q *Queue) failQueued(msg string) {
	q.mu.Lock()
	var stranded []*scheduler.Request
	for {
		r := q.sched.PopWaiting()
		if r == nil {
			break
		}
		q.sched.Drop()
		stranded = append(stranded, r)
	}
	for {
		r := q.sched.PopNew()
		if r == nil {
			break
		}
		q.sched.Drop()
		stranded = append(stranded, r)
	}
	waiters := make(map[string]*waiter, len(stranded))
	for _, r := range stranded {
		if w, ok := q.waiters[r.ID]; ok {
			waiters[r.ID] = w
			delete(q.waiters, r.ID)
		}
	}
	q.updateDepthGauges()
	q.mu.Unlock()

	for _, r := range stranded {
		r.Telemetry.ErrorMessage = msg
		q.pipeline.Publish(*r.Telemetry)
		if w, ok := waiters[r.ID]; ok {
			w.tryDeliver(llmqapi.SubmitResponse{Status: llmqapi.StatusResourceError, ErrorMessage: msg})
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) updateDepthGauges() {
	fresh, waiting, inflight := q.sched.Depths()
	observability.Default.SetGauge("queue_depth", map[string]string{"queue": "new"}, float64(fresh))
	observability.Default.SetGauge("queue_depth", map[string]string{"queue": "waiting"}, float64(waiting))
	observability.Default.SetGauge("queue_depth", map[string]string{"queue": "inflight"}, float64(inflight))
}

func renderPayload(payload any) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload.(string); ok {
		return s
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(b)
}
