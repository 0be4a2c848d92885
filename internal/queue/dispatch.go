package queue

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/balancer"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/controller"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/observability"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/scheduler"
	"github.com/microsoft/Shiksha-Copilot-sub001/pkg/llmqapi"
)

const (
	minIdleDelay = time.Millisecond
	maxIdleDelay = 250 * time.Millisecond
)

// dispatchLoop is the single goroutine deciding which queued request runs
// next. It sleeps until new work arrives or capacity may have freed.
func (q *Queue) dispatchLoop() {
	defer close(q.dispatchDone)
	for {
		q.expireDeadlines()
		progressed := q.dispatchOnce()
		if progressed {
			continue
		}

		timer := time.NewTimer(q.idleDelay())
		select {
		case <-q.stop:
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchOnce makes at most one scheduling decision. The waiting queue is
// always offered capacity before the new queue; a new-queue head that cannot
// reserve is parked on waiting, which also counts as progress.
func (q *Queue) dispatchOnce() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r := q.sched.PopWaiting(); r != nil {
		if reserved, ok := q.checker.TryReserve(r.Preferences); ok {
			q.launch(r, reserved)
			return true
		}
		// a blocked head keeps its place; it never loses its turn to the
		// new queue behind it
		q.sched.PushWaitingFront(r)
	}
	if r := q.sched.PopNew(); r != nil {
		if reserved, ok := q.checker.TryReserve(r.Preferences); ok {
			q.launch(r, reserved)
		} else {
			q.sched.OfferWaiting(r)
		}
		return true
	}
	return false
}

// launch moves a request in flight and spawns its execution task. Caller
// holds q.mu.
func (q *Queue) launch(r *scheduler.Request, reserved []balancer.Reservation) {
	_, span := observability.StartSpan(q.execCtx, "queue.dispatch",
		attribute.String("req_id", r.ID),
		attribute.String("deployment", firstDeployment(reserved)),
	)
	span.End()
	q.sched.MarkInFlight(r)
	r.Telemetry.RequestDequeuedAt = q.clock().UnixMilli()
	q.updateDepthGauges()
	q.execWG.Add(1)
	go q.execute(r, reserved)
}

// execute runs one in-flight request to completion and settles its
// reservations exactly once.
func (q *Queue) execute(r *scheduler.Request, reserved []balancer.Reservation) {
	defer q.execWG.Done()
	defer func() {
		q.mu.Lock()
		q.sched.Done(r.ID)
		delete(q.waiters, r.ID)
		q.updateDepthGauges()
		q.mu.Unlock()
		q.signal()
	}()

	q.mu.Lock()
	w := q.waiters[r.ID]
	q.mu.Unlock()

	rec := r.Telemetry
	if w == nil || w.isAbandoned() {
		// the caller gave up while we were reserving; settle and record
		rec.ErrorMessage = "timeout"
		for _, res := range reserved {
			q.checker.RecordUsage(res, 0, 0, 0)
		}
		q.pipeline.Publish(*rec)
		return
	}

	ctrl := q.controllers[r.ReqType]
	resp, err := q.runController(ctrl, r, reserved)
	if err != nil {
		q.settleError(r, w, reserved, err)
		return
	}

	rec.ResponseQueuedAt = q.clock().UnixMilli()
	delivered := w.tryDeliver(llmqapi.SubmitResponse{Status: llmqapi.StatusOK, Response: resp})
	if delivered {
		rec.ResponseDequeuedAt = q.clock().UnixMilli()
	} else {
		rec.ErrorMessage = "timeout"
	}

	for _, res := range reserved {
		q.checker.RecordUsage(res, rec.PromptTokens, rec.CompletionTokens, rec.EmbeddingTokens)
		observability.Default.IncCounter("llm_dispatch_total", map[string]string{"deployment": res.DeploymentID}, 1)
	}
	if delivered {
		observability.Default.IncCounter("llm_requests_completed_total", nil, 1)
	}
	q.pipeline.Publish(*rec)
}

// runController insulates the dispatcher from controller faults: any error
// comes back classified, never a panic.
func (q *Queue) runController(ctrl controller.Controller, r *scheduler.Request, reserved []balancer.Reservation) (resp any, err error) {
	ctx, span := observability.StartSpan(q.execCtx, "queue.execute",
		attribute.String("req_id", r.ID),
		attribute.String("req_type", r.ReqType),
		attribute.String("deployment", firstDeployment(reserved)),
	)
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			err = &controller.LLMError{Message: fmt.Sprintf("controller panic: %v", rec)}
		}
	}()
	return ctrl.Process(ctx, r.Payload, reserved, r.Telemetry)
}

func firstDeployment(reserved []balancer.Reservation) string {
	if len(reserved) == 0 {
		return ""
	}
	return reserved[0].DeploymentID
}

func (q *Queue) settleError(r *scheduler.Request, w *waiter, reserved []balancer.Reservation, err error) {
	rec := r.Telemetry
	rec.ErrorMessage = err.Error()
	for _, res := range reserved {
		q.checker.RegisterError(res)
		observability.Default.IncCounter("llm_deployment_errors_total", map[string]string{"deployment": res.DeploymentID}, 1)
	}
	if !w.tryDeliver(llmqapi.SubmitResponse{Status: llmqapi.StatusLLMError, ErrorMessage: err.Error()}) {
		rec.ErrorMessage = "timeout: " + rec.ErrorMessage
	}
	q.pipeline.Publish(*rec)
}

// expireDeadlines sweeps TTL-expired requests out of both queues and answers
// their callers.
func (q *Queue) expireDeadlines() {
	if q.cfg.TTL <= 0 {
		return
	}
	q.mu.Lock()
	expired := q.sched.ExpireBefore(q.clock())
	waiters := make(map[string]*waiter, len(expired))
	for _, r := range expired {
		if w, ok := q.waiters[r.ID]; ok {
			waiters[r.ID] = w
			delete(q.waiters, r.ID)
		}
	}
	if len(expired) > 0 {
		q.updateDepthGauges()
	}
	q.mu.Unlock()

	for _, r := range expired {
		r.Telemetry.ErrorMessage = "timeout"
		q.pipeline.Publish(*r.Telemetry)
		observability.Default.IncCounter("llm_requests_timed_out_total", nil, 1)
		if w, ok := waiters[r.ID]; ok {
			w.tryDeliver(llmqapi.SubmitResponse{Status: llmqapi.StatusTimeout, ErrorMessage: "request timed out in queue"})
		}
	}
}

// idleDelay sizes the dispatcher's sleep from the nearest queued deadline
// and the balancers' next capacity change.
func (q *Queue) idleDelay() time.Duration {
	now := q.clock()
	q.mu.Lock()
	hasWork := q.sched.HasWork()
	deadline := q.sched.NextDeadline()
	q.mu.Unlock()

	delay := maxIdleDelay
	if hasWork {
		if wake := q.checker.NextWake(now); !wake.IsZero() {
			if d := wake.Sub(now); d < delay {
				delay = d
			}
		}
	}
	if !deadline.IsZero() {
		if d := deadline.Sub(now); d < delay {
			delay = d
		}
	}
	if delay < minIdleDelay {
		delay = minIdleDelay
	}
	return delay
}
