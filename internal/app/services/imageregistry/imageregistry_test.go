package imageregistry

import (
	"context"
	"testing"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/image"
)

type memStore struct {
	byKey map[string]image.Image
	next  int
}

func newMemStore() *memStore { return &memStore{byKey: make(map[string]image.Image)} }

func key(cloudType cloudtype.Type, cloudImageID string) string {
	return string(cloudType) + "/" + cloudImageID
}

func (m *memStore) FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudImageID string) (image.Image, bool, error) {
	img, ok := m.byKey[key(cloudType, cloudImageID)]
	return img, ok, nil
}

func (m *memStore) Insert(ctx context.Context, img image.Image) (image.Image, error) {
	m.next++
	img.ID = "img-gen"
	m.byKey[key(img.CloudType, img.CloudImageID)] = img
	return img, nil
}

func (m *memStore) Save(ctx context.Context, img image.Image) error {
	m.byKey[key(img.CloudType, img.CloudImageID)] = img
	return nil
}

func TestUpsertCreatesOnceAndClassifies(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	attrs := DiscoveredAttrs{
		Name:              "RHEL-8-Cloud-Access-Gold",
		OwnerCloudAccount: "123456789012",
		MarketplaceTokens: []string{"marketplace"},
		CloudAccessTokens: []string{"cloud-access"},
		RHELOwnerAccounts: []string{"123456789012"},
	}

	img1, wasNew1, err := reg.Upsert(ctx, cloudtype.AWS, "ami-1", attrs)
	if err != nil || !wasNew1 {
		t.Fatalf("expected first upsert to create: %v %v", wasNew1, err)
	}
	if !img1.Flags.IsCloudAccess {
		t.Fatalf("expected cloud-access classification, got %+v", img1.Flags)
	}

	img2, wasNew2, err := reg.Upsert(ctx, cloudtype.AWS, "ami-1", attrs)
	if err != nil || wasNew2 {
		t.Fatalf("expected second upsert to find existing row")
	}
	if img2.ID != img1.ID {
		t.Fatalf("expected same row returned")
	}
}

func TestSetStatusEnforcesTransitionsAndTerminalLock(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	img, _, _ := reg.Upsert(ctx, cloudtype.AWS, "ami-2", DiscoveredAttrs{})

	img, err := reg.SetStatus(ctx, img, image.StatusPreparing)
	if err != nil || img.Status != image.StatusPreparing {
		t.Fatalf("expected legal transition to preparing: %v %+v", err, img)
	}

	if _, err := reg.SetStatus(ctx, img, image.StatusPending); err == nil {
		t.Fatalf("expected illegal transition back to pending to error")
	}

	img.Status = image.StatusInspected
	unchanged, err := reg.SetStatus(ctx, img, image.StatusError)
	if err != nil {
		t.Fatalf("terminal transition attempt must not error: %v", err)
	}
	if unchanged.Status != image.StatusInspected {
		t.Fatalf("expected terminal status preserved, got %s", unchanged.Status)
	}
}

func TestStubUnavailableCreatesAndTerminates(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	img, err := reg.StubUnavailable(ctx, cloudtype.AWS, "ami-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Status != image.StatusUnavailable {
		t.Fatalf("expected unavailable status, got %s", img.Status)
	}
}

func TestApplyTagDeltasLatestWinsRegardlessOfArrivalOrder(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	img, _, _ := reg.Upsert(ctx, cloudtype.AWS, "ami-3", DiscoveredAttrs{})

	later := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Delivered out of order: the delete (earlier-occurring) arrives second,
	// but the create (later-occurring) must still win.
	deltas := []TagDelta{
		{OccurredAt: earlier, ImageID: img.ID, Tag: "openshift", Exists: false},
		{OccurredAt: later, ImageID: img.ID, Tag: "openshift", Exists: true},
	}
	img, err := reg.ApplyTagDeltas(ctx, img, deltas)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !img.Flags.RHELDetectedByTag {
		t.Fatalf("expected the later event (create) to win")
	}
}

func TestRecordInspectionVerdictMovesToInspected(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	img, _, _ := reg.Upsert(ctx, cloudtype.AWS, "ami-4", DiscoveredAttrs{})
	img, _ = reg.SetStatus(ctx, img, image.StatusPreparing)
	img, _ = reg.SetStatus(ctx, img, image.StatusInspecting)

	flags := image.Flags{InspectionReposFound: true}
	img, err := reg.RecordInspectionVerdict(ctx, img, `{"rhel_enabled_repos_found":true}`, flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Status != image.StatusInspected || !img.Flags.InspectionReposFound {
		t.Fatalf("unexpected post-verdict image: %+v", img)
	}
}
