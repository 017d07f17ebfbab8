package memory

import (
	"context"
	"testing"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instance"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/run"
)

func TestAccountCreatedAtFollowsInstanceToAccount(t *testing.T) {
	store := New()
	acct := store.CreateAccount(account.Account{
		CloudType:      cloudtype.AWS,
		CloudAccountID: "111111111111",
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	inst := store.SeedInstance(instance.Instance{AccountID: acct.ID, CloudType: cloudtype.AWS, CloudInstanceID: "i-abc"})

	got, err := store.AccountCreatedAt(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(acct.CreatedAt) {
		t.Fatalf("got %v, want %v", got, acct.CreatedAt)
	}
}

func TestEventsSinceIncludesPrecedingAnchor(t *testing.T) {
	store := New()
	acct := store.CreateAccount(account.Account{CloudType: cloudtype.AWS, CloudAccountID: "a"})
	inst := store.SeedInstance(instance.Instance{AccountID: acct.ID, CloudType: cloudtype.AWS, CloudInstanceID: "i-abc"})

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.events[inst.ID] = []run.Event{
		{ID: "1", OccurredAt: t0, SeqNo: 1, Type: run.EventPowerOn},
		{ID: "2", OccurredAt: t0.Add(time.Hour), SeqNo: 2, Type: run.EventPowerOff},
		{ID: "3", OccurredAt: t0.Add(2 * time.Hour), SeqNo: 3, Type: run.EventPowerOn},
	}

	events, err := store.EventsSince(context.Background(), inst.ID, t0.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected anchor + 1 in-window event, got %d", len(events))
	}
	if events[0].ID != "2" {
		t.Fatalf("expected anchor event '2' first, got %s", events[0].ID)
	}
	if events[1].ID != "3" {
		t.Fatalf("expected in-window event '3' last, got %s", events[1].ID)
	}
}

func TestReplaceRunsSinceKeepsRunsBeforeWatermark(t *testing.T) {
	store := New()
	acct := store.CreateAccount(account.Account{CloudType: cloudtype.AWS, CloudAccountID: "a"})
	inst := store.SeedInstance(instance.Instance{AccountID: acct.ID, CloudType: cloudtype.AWS, CloudInstanceID: "i-abc"})

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.runs[inst.ID] = []run.Run{
		{ID: "old", InstanceID: inst.ID, StartTime: t0},
	}

	err := store.ReplaceRunsSince(context.Background(), inst.ID, t0.Add(time.Hour), []run.Run{
		{InstanceID: inst.ID, StartTime: t0.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runs := store.runs[inst.ID]
	if len(runs) != 2 {
		t.Fatalf("expected old run retained plus new run, got %d", len(runs))
	}
}

func TestInstanceStoreFindInsertSave(t *testing.T) {
	store := New()
	instStore := NewInstanceStore(store)
	acct := store.CreateAccount(account.Account{CloudType: cloudtype.AWS, CloudAccountID: "a"})

	created, err := instStore.Insert(context.Background(), instance.Instance{AccountID: acct.ID, CloudType: cloudtype.AWS, CloudInstanceID: "i-xyz"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found, ok, err := instStore.FindByCloudID(context.Background(), cloudtype.AWS, "i-xyz")
	if err != nil || !ok {
		t.Fatalf("expected to find seeded instance, ok=%v err=%v", ok, err)
	}
	if found.ID != created.ID {
		t.Fatalf("expected matching IDs")
	}

	found.Region = "us-east-1"
	if err := instStore.Save(context.Background(), found); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	refetched, _, _ := instStore.FindByCloudID(context.Background(), cloudtype.AWS, "i-xyz")
	if refetched.Region != "us-east-1" {
		t.Fatalf("expected saved region to persist")
	}
}
