package accountops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
)

type fakeStore struct {
	byCloudID          map[string]account.Account
	enabledIDs         []string
	disabledIDs        []string
	enableErr          error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byCloudID: make(map[string]account.Account)}
}

func (s *fakeStore) Create(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.ID = "acct-1"
	s.byCloudID[string(acct.CloudType)+"/"+acct.CloudAccountID] = acct
	return acct, nil
}

func (s *fakeStore) FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudAccountID string) (account.Account, bool, error) {
	acct, ok := s.byCloudID[string(cloudType)+"/"+cloudAccountID]
	return acct, ok, nil
}

func (s *fakeStore) Enable(ctx context.Context, id string, at time.Time) error {
	if s.enableErr != nil {
		return s.enableErr
	}
	s.enabledIDs = append(s.enabledIDs, id)
	return nil
}

func (s *fakeStore) Disable(ctx context.Context, id string, at time.Time) error {
	s.disabledIDs = append(s.disabledIDs, id)
	return nil
}

type fakeOps struct {
	enableErr  error
	disableErr error
}

func (o *fakeOps) Enable(ctx context.Context, acct account.Account) error  { return o.enableErr }
func (o *fakeOps) Disable(ctx context.Context, acct account.Account) error { return o.disableErr }
func (o *fakeOps) DescribeAll(ctx context.Context, acct account.Account) (map[string][]account.InstanceSnapshot, error) {
	return nil, nil
}

func resolverFor(ops account.CloudAccountOps) OpsByCloud {
	return func(cloudtype.Type) (account.CloudAccountOps, error) { return ops, nil }
}

func TestOnboardIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := New(store, resolverFor(&fakeOps{}), nil)

	acct := account.Account{CloudType: cloudtype.AWS, CloudAccountID: "111111111111"}
	first, err := svc.Onboard(context.Background(), acct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := svc.Onboard(context.Background(), acct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected onboard to be idempotent, got %s and %s", first.ID, second.ID)
	}
}

func TestEnablePersistsOnSuccess(t *testing.T) {
	store := newFakeStore()
	svc := New(store, resolverFor(&fakeOps{}), nil)

	acct, _ := svc.Onboard(context.Background(), account.Account{CloudType: cloudtype.AWS, CloudAccountID: "111111111111"})

	if err := svc.Enable(context.Background(), acct); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.enabledIDs) != 1 || store.enabledIDs[0] != acct.ID {
		t.Fatalf("expected store.Enable to be called with %s, got %v", acct.ID, store.enabledIDs)
	}
}

func TestEnableDoesNotPersistOnCloudFailure(t *testing.T) {
	store := newFakeStore()
	svc := New(store, resolverFor(&fakeOps{enableErr: errors.New("permission denied")}), nil)

	acct, _ := svc.Onboard(context.Background(), account.Account{CloudType: cloudtype.AWS, CloudAccountID: "111111111111"})

	if err := svc.Enable(context.Background(), acct); err == nil {
		t.Fatalf("expected error from cloud adapter to propagate")
	}
	if len(store.enabledIDs) != 0 {
		t.Fatalf("expected no local enable when the cloud adapter fails, got %v", store.enabledIDs)
	}
}

func TestDisablePersistsEvenWhenCloudAdapterFails(t *testing.T) {
	store := newFakeStore()
	svc := New(store, resolverFor(&fakeOps{disableErr: errors.New("permission denied")}), nil)

	acct, _ := svc.Onboard(context.Background(), account.Account{CloudType: cloudtype.AWS, CloudAccountID: "111111111111"})

	if err := svc.Disable(context.Background(), acct); err != nil {
		t.Fatalf("expected disable to tolerate a cloud adapter failure, got %v", err)
	}
	if len(store.disabledIDs) != 1 || store.disabledIDs[0] != acct.ID {
		t.Fatalf("expected local state to be freed regardless, got %v", store.disabledIDs)
	}
}
