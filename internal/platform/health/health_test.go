package health

import (
	"context"
	"testing"
	"time"
)

func TestCollectorSamplesSynchronouslyOnStart(t *testing.T) {
	c := NewCollector(time.Hour, "/")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Stop(context.Background())

	snap := c.Latest()
	if snap.SampledAt.IsZero() {
		t.Fatalf("expected a sample to be taken synchronously on Start")
	}
}

func TestCollectorStopIsIdempotentWithoutStart(t *testing.T) {
	c := NewCollector(time.Second, "/")
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("expected Stop before Start to be a no-op, got %v", err)
	}
}
