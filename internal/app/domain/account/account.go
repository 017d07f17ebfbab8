// Package account models enrolled customer cloud accounts.
package account

import (
	"context"
	"time"

	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
)

// Account is an enrolled customer cloud account. Uniqueness is
// (CloudType, CloudAccountID). Disabling an account stops ingest but never
// deletes the row or its owned Instances/InstanceEvents/Runs.
type Account struct {
	ID        string
	CloudType cloudtype.Type
	// CloudAccountID is the AWS account id or Azure subscription id.
	CloudAccountID string
	User           string
	// ARNOrSubscription is the role ARN (AWS) or subscription id (Azure)
	// used to reach the customer's resources.
	ARNOrSubscription string
	CreatedAt         time.Time
	EnabledAt         *time.Time
	DisabledAt        *time.Time
}

// Enabled reports whether the account currently accepts ingest.
func (a Account) Enabled() bool {
	return a.EnabledAt != nil && (a.DisabledAt == nil || a.DisabledAt.Before(*a.EnabledAt))
}

// CloudAccountOps is the capability interface every cloud-specific account
// adapter implements; there is no runtime type re-dispatch on CloudType,
// callers select the adapter once via a factory keyed on CloudType.
type CloudAccountOps interface {
	// Enable provisions ingest (e.g. configuring a CloudTrail trail) for
	// the account. Must be idempotent.
	Enable(ctx context.Context, acct Account) error
	// Disable tears down ingest. A PermissionDenied failure here is
	// non-blocking: the caller has already lost access, so local state
	// must still be freed (spec §7 recovery policy).
	Disable(ctx context.Context, acct Account) error
	// DescribeAll returns one synthetic power-state observation per
	// currently visible instance, keyed by region.
	DescribeAll(ctx context.Context, acct Account) (map[string][]InstanceSnapshot, error)
}

// InstanceSnapshot is one row of a describe-all/initial-discovery result.
type InstanceSnapshot struct {
	CloudInstanceID string
	Region          string
	Running         bool
	ImageRef        string
	InstanceType    string
}
