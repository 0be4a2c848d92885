// Package balancer tracks rolling per-minute request and token budgets for a
// set of model deployments and picks the least-loaded one for each dispatch.
package balancer

import (
	"sort"
	"sync"
	"time"
)

// Deployment describes one upstream model endpoint's budgets. A zero budget
// means the deployment can never be selected.
type Deployment struct {
	ID           string
	ReqsPerMin   int64
	TokensPerMin int64
	ErrorBackoff time.Duration
}

type event struct {
	at   time.Time
	cost int64
}

type deploymentState struct {
	cfg              Deployment
	reqEvents        []event
	tokenEvents      []event
	quarantinedUntil time.Time
}

type Options struct {
	// Window is the budget horizon, one minute unless overridden by tests.
	Window time.Duration
	Clock  func() time.Time
}

// Balancer is safe for concurrent use. All pruning is lazy against the
// rolling window; nothing runs in the background.
type Balancer struct {
	mu     sync.Mutex
	window time.Duration
	clock  func() time.Time
	order  []string
	byID   map[string]*deploymentState
}

func New(deployments []Deployment, opts Options) *Balancer {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	b := &Balancer{
		window: opts.Window,
		clock:  opts.Clock,
		byID:   make(map[string]*deploymentState, len(deployments)),
	}
	for _, d := range deployments {
		if _, dup := b.byID[d.ID]; dup {
			continue
		}
		b.byID[d.ID] = &deploymentState{cfg: d}
		b.order = append(b.order, d.ID)
	}
	sort.Strings(b.order)
	return b
}

func (b *Balancer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID) == 0
}

func (b *Balancer) Knows(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byID[id]
	return ok
}

// HasAvailable reports whether some deployment (or the specific preferredID)
// could take a reservation of the given request units right now.
func (b *Balancer) HasAvailable(preferredID string, units int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	if preferredID != "" {
		d, ok := b.byID[preferredID]
		return ok && b.available(d, units, now)
	}
	for _, id := range b.order {
		if b.available(b.byID[id], units, now) {
			return true
		}
	}
	return false
}

// Reserve charges units of request capacity against the best available
// deployment and returns its id. The token budget is trued up later through
// RecordUsage.
func (b *Balancer) Reserve(units int64, preferredID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()

	var chosen *deploymentState
	if preferredID != "" {
		d, ok := b.byID[preferredID]
		if !ok || !b.available(d, units, now) {
			return "", false
		}
		chosen = d
	} else {
		var bestFreeReqs, bestFreeTokens int64
		for _, id := range b.order {
			d := b.byID[id]
			if !b.available(d, units, now) {
				continue
			}
			freeReqs := d.cfg.ReqsPerMin - b.rolling(d.reqEvents, now)
			freeTokens := d.cfg.TokensPerMin - b.rolling(d.tokenEvents, now)
			if chosen == nil || freeReqs > bestFreeReqs || (freeReqs == bestFreeReqs && freeTokens > bestFreeTokens) {
				chosen = d
				bestFreeReqs = freeReqs
				bestFreeTokens = freeTokens
			}
		}
		if chosen == nil {
			return "", false
		}
	}
	chosen.reqEvents = append(chosen.reqEvents, event{at: now, cost: units})
	return chosen.cfg.ID, true
}

// Unreserve returns request units charged by a Reserve that could not be
// used, removing the newest matching event from the window.
func (b *Balancer) Unreserve(id string, units int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.byID[id]
	if !ok {
		return
	}
	for i := len(d.reqEvents) - 1; i >= 0; i-- {
		if d.reqEvents[i].cost == units {
			d.reqEvents = append(d.reqEvents[:i], d.reqEvents[i+1:]...)
			return
		}
	}
}

// RecordUsage accounts observed token consumption on a deployment.
func (b *Balancer) RecordUsage(id string, tokens int64) {
	if tokens <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.byID[id]
	if !ok {
		return
	}
	d.tokenEvents = append(d.tokenEvents, event{at: b.clock(), cost: tokens})
}

// RegisterError quarantines a deployment for its configured backoff.
func (b *Balancer) RegisterError(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.byID[id]
	if !ok {
		return
	}
	until := b.clock().Add(d.cfg.ErrorBackoff)
	if until.After(d.quarantinedUntil) {
		d.quarantinedUntil = until
	}
}

// NextWake returns the earliest instant at which capacity may free up, either
// a window event expiring or a quarantine ending. The zero time means no
// pending state.
func (b *Balancer) NextWake(now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, d := range b.byID {
		consider(d.quarantinedUntil)
		if len(d.reqEvents) > 0 {
			consider(d.reqEvents[0].at.Add(b.window))
		}
		if len(d.tokenEvents) > 0 {
			consider(d.tokenEvents[0].at.Add(b.window))
		}
	}
	return next
}

func (b *Balancer) available(d *deploymentState, units int64, now time.Time) bool {
	if now.Before(d.quarantinedUntil) {
		return false
	}
	d.reqEvents = prune(d.reqEvents, now.Add(-b.window))
	d.tokenEvents = prune(d.tokenEvents, now.Add(-b.window))
	if b.rolling(d.reqEvents, now)+units > d.cfg.ReqsPerMin {
		return false
	}
	// tokens may overshoot by one in-flight reservation, so strict less-than
	if b.rolling(d.tokenEvents, now) >= d.cfg.TokensPerMin {
		return false
	}
	return true
}

func (b *Balancer) rolling(events []event, now time.Time) int64 {
	cutoff := now.Add(-b.window)
	var sum int64
	for _, e := range events {
		if e.at.After(cutoff) {
			sum += e.cost
		}
	}
	return sum
}

func prune(events []event, cutoff time.Time) []event {
	i := 0
	for i < len(events) && !events[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}
