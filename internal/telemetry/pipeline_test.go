package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
)

type captureStore struct {
	mu      sync.Mutex
	records []state.TelemetryRecord
	failOn  string
	closed  bool
}

func (c *captureStore) Connect(ctx context.Context) error { return nil }

func (c *captureStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureStore) Insert(ctx context.Context, rec state.TelemetryRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != "" && rec.ReqID == c.failOn {
		return errors.New("store unavailable")
	}
	c.records = append(c.records, rec)
	return nil
}

func (c *captureStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestPipelineDrainsOnClose(t *testing.T) {
	store := &captureStore{}
	p, err := NewPipeline(context.Background(), store, 64)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	for i := 0; i < 20; i++ {
		p.Publish(state.NewTelemetryRecord(fmt.Sprintf("r%d", i)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := store.count(); got != 20 {
		t.Fatalf("drained %d records, want 20", got)
	}
	if !store.closed {
		t.Fatalf("store should be closed after pipeline close")
	}
}

func TestPipelineSurvivesInsertErrors(t *testing.T) {
	store := &captureStore{failOn: "bad"}
	p, err := NewPipeline(context.Background(), store, 8)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	p.Publish(state.NewTelemetryRecord("bad"))
	p.Publish(state.NewTelemetryRecord("good"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := store.count(); got != 1 {
		t.Fatalf("stored %d records, want the 1 good one", got)
	}
}

func TestPublishAfterCloseIsSafe(t *testing.T) {
	store := &captureStore{}
	p, err := NewPipeline(context.Background(), store, 8)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Publish(state.NewTelemetryRecord("late"))
	if got := store.count(); got != 0 {
		t.Fatalf("late publish must be dropped, stored %d", got)
	}
}
