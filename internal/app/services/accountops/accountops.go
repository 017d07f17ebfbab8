// Package accountops implements account onboarding and the
// enable/disable lifecycle described in spec §6: calling into the
// cloud-specific CloudAccountOps adapter, persisting the resulting
// enabled_at/disabled_at transition, and notifying the configured
// sources-availability endpoint.
package accountops

import (
	"context"
	"fmt"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/notifier"
)

// Store is the persistence seam accountops needs.
type Store interface {
	Create(ctx context.Context, acct account.Account) (account.Account, error)
	FindByCloudID(ctx context.Context, cloudType cloudtype.Type, cloudAccountID string) (account.Account, bool, error)
	Enable(ctx context.Context, id string, at time.Time) error
	Disable(ctx context.Context, id string, at time.Time) error
}

// OpsByCloud resolves the CloudAccountOps adapter for a cloud type. Built
// once at startup from the two concrete adapters (aws.Adapter,
// azure.Adapter); there is no runtime type switch inside this package.
type OpsByCloud func(cloudType cloudtype.Type) (account.CloudAccountOps, error)

// Service is the account lifecycle entry point.
type Service struct {
	store    Store
	ops      OpsByCloud
	notifier *notifier.Notifier
}

// New returns a Service.
func New(store Store, ops OpsByCloud, notify *notifier.Notifier) *Service {
	return &Service{store: store, ops: ops, notifier: notify}
}

// Onboard registers a new cloud account row without enabling ingest; a
// caller enables it separately once the customer's role/credentials have
// been validated out of band.
func (s *Service) Onboard(ctx context.Context, acct account.Account) (account.Account, error) {
	existing, found, err := s.store.FindByCloudID(ctx, acct.CloudType, acct.CloudAccountID)
	if err != nil {
		return account.Account{}, fmt.Errorf("accountops: lookup %s/%s: %w", acct.CloudType, acct.CloudAccountID, err)
	}
	if found {
		return existing, nil
	}
	created, err := s.store.Create(ctx, acct)
	if err != nil {
		return account.Account{}, fmt.Errorf("accountops: create %s/%s: %w", acct.CloudType, acct.CloudAccountID, err)
	}
	return created, nil
}

// Enable provisions cloud-side ingest and marks the account enabled.
// Notifies the sources-availability endpoint with the outcome either way
// (spec §6): a failed Enable is reported as unavailable with the error
// reason, not silently dropped.
func (s *Service) Enable(ctx context.Context, acct account.Account) error {
	cloudOps, err := s.ops(acct.CloudType)
	if err != nil {
		return fmt.Errorf("accountops: resolve ops for %s: %w", acct.CloudType, err)
	}

	if err := cloudOps.Enable(ctx, acct); err != nil {
		s.notify(ctx, acct.ID, notifier.StatusUnavailable, err.Error())
		return fmt.Errorf("accountops: enable %s/%s: %w", acct.CloudType, acct.CloudAccountID, err)
	}

	if err := s.store.Enable(ctx, acct.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("accountops: persist enable %s: %w", acct.ID, err)
	}

	s.notify(ctx, acct.ID, notifier.StatusAvailable, "")
	return nil
}

// Disable tears down cloud-side ingest and marks the account disabled.
// A failure from the cloud adapter, of any kind (PermissionDenied
// included), does not block the local disable: the account is still marked
// disabled, the notifier is told it is unavailable, and Disable returns nil
// (spec §7 recovery policy).
func (s *Service) Disable(ctx context.Context, acct account.Account) error {
	cloudOps, err := s.ops(acct.CloudType)
	if err != nil {
		return fmt.Errorf("accountops: resolve ops for %s: %w", acct.CloudType, err)
	}

	disableErr := cloudOps.Disable(ctx, acct)

	if err := s.store.Disable(ctx, acct.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("accountops: persist disable %s: %w", acct.ID, err)
	}

	if disableErr != nil {
		s.notify(ctx, acct.ID, notifier.StatusUnavailable, disableErr.Error())
		return nil
	}
	s.notify(ctx, acct.ID, notifier.StatusAvailable, "")
	return nil
}

func (s *Service) notify(ctx context.Context, accountID string, status notifier.Status, reason string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Notify(ctx, accountID, status, reason)
}
