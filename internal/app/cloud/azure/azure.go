// Package azure adapts Azure subscriptions to account.CloudAccountOps.
// Azure carries no equivalent of CloudTrail in this system (spec §4.A):
// Enable/Disable are no-ops beyond credential validation, and the only
// ingest path is a periodic describe-all poll that synthesizes one
// power-state observation per currently visible VM (spec §4.A "Azure
// describe-all" path).
package azure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"

	service "github.com/openshift-cloudigrade/usage-tracker/internal/app/core/service"
	appaccount "github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/errs"
)

// cloudRetryPolicy mirrors the AWS adapter's bounded retry/backoff for a
// transient ARM failure (spec §7: "any cloud call -> bounded retry w/
// backoff").
var cloudRetryPolicy = service.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// retryTransient runs fn once; a transient ARM failure is retried through
// service.Retry with backoff and reported as errs.TransientCloud. A
// non-transient failure (auth, 404) is returned on the first attempt.
func retryTransient(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !isTransientErr(err) {
		return err
	}
	return service.Retry(ctx, cloudRetryPolicy, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransientErr(err) {
			return err
		}
		return &errs.TransientCloud{Op: op, Err: err}
	})
}

func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// VMClientFactory builds an armcompute client scoped to acct's subscription,
// using a client-secret credential. Exposed as a func value for testing.
type VMClientFactory func(ctx context.Context, acct appaccount.Account) (*armcompute.VirtualMachinesClient, error)

// Adapter implements account.CloudAccountOps for Azure subscriptions.
type Adapter struct {
	clients VMClientFactory
}

var _ appaccount.CloudAccountOps = (*Adapter)(nil)

// New builds an Adapter.
func New(clients VMClientFactory) *Adapter {
	return &Adapter{clients: clients}
}

// Enable validates that the client-secret credential can reach the
// subscription. There is no trail to provision.
func (a *Adapter) Enable(ctx context.Context, acct appaccount.Account) error {
	_, err := a.clients(ctx, acct)
	if err != nil {
		return &errs.PermissionDenied{Op: "validate azure credential for " + acct.ARNOrSubscription, Err: err}
	}
	return nil
}

// Disable is a no-op: there is no Azure-side resource to tear down, only
// local state, which the caller frees regardless (spec §7).
func (a *Adapter) Disable(ctx context.Context, acct appaccount.Account) error {
	return nil
}

// DescribeAll lists every VM in the subscription across all resource
// groups, reporting PowerState/running (spec §4.A).
func (a *Adapter) DescribeAll(ctx context.Context, acct appaccount.Account) (map[string][]appaccount.InstanceSnapshot, error) {
	client, err := a.clients(ctx, acct)
	if err != nil {
		return nil, &errs.PermissionDenied{Op: "describe-all for " + acct.ARNOrSubscription, Err: err}
	}

	result := make(map[string][]appaccount.InstanceSnapshot)
	pager := client.NewListAllPager(nil)
	for pager.More() {
		var page armcompute.VirtualMachinesClientListAllResponse
		err := retryTransient(ctx, "list vms", func() error {
			var perr error
			page, perr = pager.NextPage(ctx)
			return perr
		})
		if err != nil {
			return nil, fmt.Errorf("list vms for subscription %s: %w", acct.CloudAccountID, err)
		}
		for _, vm := range page.Value {
			if vm.ID == nil || vm.Name == nil {
				continue
			}
			region := ""
			if vm.Location != nil {
				region = *vm.Location
			}
			snap := appaccount.InstanceSnapshot{
				CloudInstanceID: *vm.Name,
				Region:          region,
				Running:         vmRunning(vm),
			}
			if vm.Properties != nil && vm.Properties.HardwareProfile != nil && vm.Properties.HardwareProfile.VMSize != nil {
				snap.InstanceType = string(*vm.Properties.HardwareProfile.VMSize)
			}
			result[region] = append(result[region], snap)
		}
	}
	return result, nil
}

func vmRunning(vm *armcompute.VirtualMachine) bool {
	if vm.Properties == nil || vm.Properties.InstanceView == nil {
		return false
	}
	for _, status := range vm.Properties.InstanceView.Statuses {
		if status.Code != nil && *status.Code == "PowerState/running" {
			return true
		}
	}
	return false
}

// DefaultVMClientFactory authenticates with a client-secret credential
// built from cfg and returns a VirtualMachinesClient scoped to acct's
// subscription.
func DefaultVMClientFactory(tenantID, clientID, clientSecret string) VMClientFactory {
	return func(ctx context.Context, acct appaccount.Account) (*armcompute.VirtualMachinesClient, error) {
		cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("build azure credential: %w", err)
		}
		return armcompute.NewVirtualMachinesClient(acct.CloudAccountID, cred, nil)
	}
}
