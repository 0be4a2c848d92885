// Package telemetry decouples request completion from telemetry persistence.
// Publishing never blocks the dispatch path; overflow drops records and
// counts them.
package telemetry

import (
	"context"
	"log"
	"sync"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/observability"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
)

const defaultBuffer = 256

type Pipeline struct {
	store state.TelemetryStore
	ch    chan state.TelemetryRecord
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPipeline connects the store and starts the single writer goroutine.
func NewPipeline(ctx context.Context, store state.TelemetryStore, buffer int) (*Pipeline, error) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	p := &Pipeline{
		store: store,
		ch:    make(chan state.TelemetryRecord, buffer),
		done:  make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *Pipeline) run() {
	defer close(p.done)
	for rec := range p.ch {
		if err := p.store.Insert(context.Background(), rec); err != nil {
			log.Printf("telemetry insert failed for %s: %v", rec.ReqID, err)
			observability.Default.IncCounter("telemetry_insert_errors_total", nil, 1)
			continue
		}
		observability.Default.IncCounter("telemetry_records_written_total", nil, 1)
	}
}

// Publish hands a record to the writer without blocking. A full buffer drops
// the record.
func (p *Pipeline) Publish(rec state.TelemetryRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		observability.Default.IncCounter("telemetry_records_dropped_total", nil, 1)
		return
	}
	select {
	case p.ch <- rec:
	default:
		observability.Default.IncCounter("telemetry_records_dropped_total", nil, 1)
	}
}

// Close stops intake, drains buffered records until ctx expires, then closes
// the store.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		log.Printf("telemetry drain abandoned: %v", ctx.Err())
	}
	return p.store.Close()
}
