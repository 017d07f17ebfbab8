package typerefresh

import (
	"context"
	"testing"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instancetype"
)

func TestStartPopulatesCacheSynchronously(t *testing.T) {
	cache := instancetype.NewCache()
	source := func(ctx context.Context) ([]instancetype.Definition, error) {
		return []instancetype.Definition{
			{CloudType: cloudtype.AWS, InstanceType: "m5.large", VCPU: 2, MemoryMiB: 8192},
		}, nil
	}

	r := New(cache, source, time.Hour, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = r.Stop(context.Background()) }()

	vcpu, mem, ok := cache.Lookup(cloudtype.AWS, "m5.large")
	if !ok || vcpu != 2 || mem != 8192 {
		t.Fatalf("expected cache populated after Start, got %d %d %v", vcpu, mem, ok)
	}
}

func TestRefreshErrorLeavesCacheUnchanged(t *testing.T) {
	cache := instancetype.NewCache()
	cache.Swap([]instancetype.Definition{{CloudType: cloudtype.AWS, InstanceType: "m5.large", VCPU: 2, MemoryMiB: 8192}})

	failing := func(ctx context.Context) ([]instancetype.Definition, error) {
		return nil, context.DeadlineExceeded
	}
	r := New(cache, failing, time.Hour, nil)
	r.refresh(context.Background())

	vcpu, mem, ok := cache.Lookup(cloudtype.AWS, "m5.large")
	if !ok || vcpu != 2 || mem != 8192 {
		t.Fatalf("expected cache unchanged after failed refresh, got %d %d %v", vcpu, mem, ok)
	}
}
