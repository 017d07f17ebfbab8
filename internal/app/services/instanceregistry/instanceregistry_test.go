package instanceregistry

import (
	"context"
	"testing"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instance"
)

type memStore struct {
	byKey map[string]instance.Instance
}

func newMemStore() *memStore { return &memStore{byKey: make(map[string]instance.Instance)} }

func key(cloudType cloudtype.Type, cloudInstanceID string) string {
	return string(cloudType) + "/" + cloudInstanceID
}

func (m *memStore) FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudInstanceID string) (instance.Instance, bool, error) {
	inst, ok := m.byKey[key(cloudType, cloudInstanceID)]
	return inst, ok, nil
}

func (m *memStore) Insert(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	inst.ID = "inst-gen"
	m.byKey[key(inst.CloudType, inst.CloudInstanceID)] = inst
	return inst, nil
}

func (m *memStore) Save(ctx context.Context, inst instance.Instance) error {
	m.byKey[key(inst.CloudType, inst.CloudInstanceID)] = inst
	return nil
}

func TestUpsertCreatesAndBindsOnFirstSight(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	inst, err := reg.Upsert(ctx, "acct-1", cloudtype.AWS, "i-1", "us-east-1", "ami-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.CurrentImageID != "ami-1" {
		t.Fatalf("expected first-sight bind, got %q", inst.CurrentImageID)
	}
}

func TestUpsertDoesNotRebindOnSubsequentEvents(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	reg.Upsert(ctx, "acct-1", cloudtype.AWS, "i-1", "us-east-1", "ami-1")
	inst, err := reg.Upsert(ctx, "acct-1", cloudtype.AWS, "i-1", "us-east-1", "ami-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.CurrentImageID != "ami-1" {
		t.Fatalf("expected binding to remain ami-1, got %q", inst.CurrentImageID)
	}
}

func TestRediscoverForciblyRebinds(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	inst, _ := reg.Upsert(ctx, "acct-1", cloudtype.AWS, "i-1", "us-east-1", "ami-1")
	inst, err := reg.Rediscover(ctx, inst, "ami-corrected")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.CurrentImageID != "ami-corrected" {
		t.Fatalf("expected forcible rebind, got %q", inst.CurrentImageID)
	}
}

func TestLookupReturnsImageRefForBackfill(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	reg.Upsert(ctx, "acct-1", cloudtype.AWS, "i-1", "us-east-1", "ami-1")

	imageRef, _, ok := reg.Lookup(ctx, cloudtype.AWS, "i-1", nil)
	if !ok || imageRef != "ami-1" {
		t.Fatalf("expected lookup hit with ami-1, got %q %v", imageRef, ok)
	}

	_, _, ok = reg.Lookup(ctx, cloudtype.AWS, "i-unknown", nil)
	if ok {
		t.Fatalf("expected miss for unknown instance")
	}
}
