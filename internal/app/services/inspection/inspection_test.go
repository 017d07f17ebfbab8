package inspection

import (
	"context"
	"errors"
	"testing"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/image"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/errs"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/imageregistry"
)

type memStore struct {
	byID map[string]image.Image
	next int
}

func newMemStore() *memStore { return &memStore{byID: make(map[string]image.Image)} }

func (m *memStore) FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudImageID string) (image.Image, bool, error) {
	for _, img := range m.byID {
		if img.CloudType == cloudType && img.CloudImageID == cloudImageID {
			return img, true, nil
		}
	}
	return image.Image{}, false, nil
}

func (m *memStore) Insert(ctx context.Context, img image.Image) (image.Image, error) {
	m.next++
	img.ID = "img-1"
	m.byID[img.ID] = img
	return img, nil
}

func (m *memStore) Save(ctx context.Context, img image.Image) error {
	m.byID[img.ID] = img
	return nil
}

type recordingDispatcher struct {
	steps []Step
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, imageID string, step Step) error {
	d.steps = append(d.steps, step)
	return nil
}

func TestBeginShortCircuitsKnownGoodImages(t *testing.T) {
	store := newMemStore()
	reg := imageregistry.New(store)
	dispatcher := &recordingDispatcher{}
	orch := New(reg, dispatcher, Config{})
	ctx := context.Background()

	img, _ := store.Insert(ctx, image.Image{Status: image.StatusPending, Flags: image.Flags{IsMarketplace: true}})
	img, err := orch.Begin(ctx, img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Status != image.StatusInspected {
		t.Fatalf("expected short-circuit to inspected, got %s", img.Status)
	}
	if len(dispatcher.steps) != 0 {
		t.Fatalf("expected no side effects dispatched for short-circuit")
	}
}

func TestBeginDispatchesCopySnapshotForUnknownImages(t *testing.T) {
	store := newMemStore()
	reg := imageregistry.New(store)
	dispatcher := &recordingDispatcher{}
	orch := New(reg, dispatcher, Config{})
	ctx := context.Background()

	img, _ := store.Insert(ctx, image.Image{Status: image.StatusPending})
	img, err := orch.Begin(ctx, img)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Status != image.StatusPreparing {
		t.Fatalf("expected preparing, got %s", img.Status)
	}
	if len(dispatcher.steps) != 1 || dispatcher.steps[0] != StepCopySnapshot {
		t.Fatalf("expected copy_snapshot dispatched, got %+v", dispatcher.steps)
	}
}

func TestFailRetriesUntilQuotaExhausted(t *testing.T) {
	store := newMemStore()
	reg := imageregistry.New(store)
	orch := New(reg, nil, Config{MaxAttempts: 2})
	ctx := context.Background()

	img, _ := store.Insert(ctx, image.Image{Status: image.StatusPreparing})

	img, err := orch.Fail(ctx, img)
	if err != nil {
		t.Fatalf("expected no error on first failure, got %v", err)
	}
	if img.Status == image.StatusError {
		t.Fatalf("expected not yet terminal after one failure")
	}

	img, err = orch.Fail(ctx, img)
	var quota *errs.QuotaExhausted
	if !errors.As(err, &quota) {
		t.Fatalf("expected QuotaExhausted after reaching max attempts, got %v", err)
	}
	if img.Status != image.StatusError {
		t.Fatalf("expected error status, got %s", img.Status)
	}
}

func TestEncryptedMovesToErrorWithNoRetry(t *testing.T) {
	store := newMemStore()
	reg := imageregistry.New(store)
	orch := New(reg, nil, Config{})
	ctx := context.Background()

	img, _ := store.Insert(ctx, image.Image{Status: image.StatusInspecting})
	img, err := orch.Encrypted(ctx, img)
	var encrypted *errs.InspectionEncrypted
	if !errors.As(err, &encrypted) {
		t.Fatalf("expected InspectionEncrypted, got %v", err)
	}
	if img.Status != image.StatusError {
		t.Fatalf("expected error status, got %s", img.Status)
	}
}

func TestReceiveVerdictIsTerminalIdempotent(t *testing.T) {
	store := newMemStore()
	reg := imageregistry.New(store)
	orch := New(reg, nil, Config{})
	ctx := context.Background()

	img, _ := store.Insert(ctx, image.Image{Status: image.StatusError})
	img, err := orch.ReceiveVerdict(ctx, img, `{}`, image.Flags{InspectionReposFound: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Status != image.StatusError || img.Flags.InspectionReposFound {
		t.Fatalf("expected terminal status to reject the late verdict, got %+v", img)
	}
}
