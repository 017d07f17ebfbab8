// Package aws adapts AWS accounts to account.CloudAccountOps: enabling and
// disabling CloudTrail ingest, and describing an account's currently
// running EC2 instances for initial discovery (spec §4.A "discovery
// snapshot").
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	service "github.com/openshift-cloudigrade/usage-tracker/internal/app/core/service"
	appaccount "github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/errs"
)

// cloudRetryPolicy bounds the retry/backoff applied to a transient EC2 or
// CloudTrail failure (spec §7: "any cloud call -> bounded retry w/
// backoff"). Permission and not-found failures are never transient and are
// returned on the first attempt.
var cloudRetryPolicy = service.RetryPolicy{
	Attempts:       3,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// retryTransient runs fn once; if it fails with a transient error, it is
// retried through service.Retry with backoff and the final failure is
// reported as errs.TransientCloud. A non-transient failure is returned
// immediately without consuming retry attempts.
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

var transientErrorCodes = []string{
	"Throttling", "ThrottlingException", "RequestLimitExceeded",
	"TooManyRequestsException", "InternalError", "InternalFailure",
	"ServiceUnavailable", "RequestTimeout", "RequestTimeoutException",
}

func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	for _, code := range transientErrorCodes {
		if containsCode(err, code) {
			return true
		}
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ClientFactory builds the three AWS service clients needed for one
// account, using the credentials obtained by assuming acct.ARNOrSubscription
// (spec §6 cross-account access). Exposed as a func value so tests can
// substitute a factory that returns clients pointed at a local stub.
type ClientFactory func(ctx context.Context, acct appaccount.Account) (*ec2.Client, *cloudtrail.Client, *sts.Client, error)

// Adapter implements account.CloudAccountOps for AWS accounts.
type Adapter struct {
	clients     ClientFactory
	trailName   string
	trailBucket string
}

var _ appaccount.CloudAccountOps = (*Adapter)(nil)

// New builds an Adapter. trailBucket is the S3 bucket CloudTrail is
// configured to deliver logs to (spec §6).
func New(clients ClientFactory, trailName, trailBucket string) *Adapter {
	return &Adapter{clients: clients, trailName: trailName, trailBucket: trailBucket}
}

// Enable creates (or confirms) the customer's CloudTrail trail and starts
// logging. Idempotent: CreateTrail against an existing name errors with
// TrailAlreadyExists, which is treated as success.
func (a *Adapter) Enable(ctx context.Context, acct appaccount.Account) error {
	_, _, trail, err := a.clients(ctx, acct)
	if err != nil {
		return wrapAssumeRoleErr(acct, err)
	}

	err = retryTransient(ctx, "create trail", func() error {
		_, err := trail.CreateTrail(ctx, &cloudtrail.CreateTrailInput{
			Name:         aws.String(a.trailName),
			S3BucketName: aws.String(a.trailBucket),
		})
		return err
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create trail for account %s: %w", acct.ID, err)
	}

	err = retryTransient(ctx, "start logging", func() error {
		_, err := trail.StartLogging(ctx, &cloudtrail.StartLoggingInput{
			Name: aws.String(a.trailName),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("start logging for account %s: %w", acct.ID, err)
	}
	return nil
}

// Disable stops CloudTrail logging. A PermissionDenied failure here must
// not block local teardown (spec §7): the caller is expected to free
// local state regardless of this error's presence.
func (a *Adapter) Disable(ctx context.Context, acct appaccount.Account) error {
	_, _, trail, err := a.clients(ctx, acct)
	if err != nil {
		return wrapAssumeRoleErr(acct, err)
	}

	err = retryTransient(ctx, "stop logging", func() error {
		_, err := trail.StopLogging(ctx, &cloudtrail.StopLoggingInput{
			Name: aws.String(a.trailName),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("stop logging for account %s: %w", acct.ID, err)
	}
	return nil
}

// DescribeAll lists the running EC2 instances visible to the assumed role,
// feeding the discovery-snapshot synthesis path (spec §4.A). Only the one
// region the adapter's EC2 client is configured for is queried; other
// regions are not described.
func (a *Adapter) DescribeAll(ctx context.Context, acct appaccount.Account) (map[string][]appaccount.InstanceSnapshot, error) {
	ec2Client, _, _, err := a.clients(ctx, acct)
	if err != nil {
		return nil, wrapAssumeRoleErr(acct, err)
	}

	var out *ec2.DescribeInstancesOutput
	err = retryTransient(ctx, "describe instances", func() error {
		var derr error
		out, derr = ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []types.Filter{{
				Name:   aws.String("instance-state-name"),
				Values: []string{"running"},
			}},
		})
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances for account %s: %w", acct.ID, err)
	}

	result := make(map[string][]appaccount.InstanceSnapshot)
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if inst.InstanceId == nil {
				continue
			}
			region := ""
			if inst.Placement != nil && inst.Placement.AvailabilityZone != nil {
				region = regionFromAZ(*inst.Placement.AvailabilityZone)
			}
			snap := appaccount.InstanceSnapshot{
				CloudInstanceID: *inst.InstanceId,
				Region:          region,
				Running:         true,
			}
			if inst.ImageId != nil {
				snap.ImageRef = *inst.ImageId
			}
			if inst.InstanceType != "" {
				snap.InstanceType = string(inst.InstanceType)
			}
			result[region] = append(result[region], snap)
		}
	}
	return result, nil
}

// DescribeOne resolves a single instance's image ref and instance type for
// the normalizer's backfill chain (spec §4.A "single describe call").
func (a *Adapter) DescribeOne(ctx context.Context, acct appaccount.Account, cloudInstanceID string) (imageRef, instanceType string, ok bool, err error) {
	ec2Client, _, _, ferr := a.clients(ctx, acct)
	if ferr != nil {
		return "", "", false, wrapAssumeRoleErr(acct, ferr)
	}

	var out *ec2.DescribeInstancesOutput
	derr := retryTransient(ctx, "describe instance", func() error {
		var err error
		out, err = ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{cloudInstanceID},
		})
		return err
	})
	if derr != nil {
		if isNotFound(derr) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("describe instance %s: %w", cloudInstanceID, derr)
	}
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			if inst.InstanceId == nil || *inst.InstanceId != cloudInstanceID {
				continue
			}
			if inst.ImageId != nil {
				imageRef = *inst.ImageId
			}
			instanceType = string(inst.InstanceType)
			return imageRef, instanceType, true, nil
		}
	}
	return "", "", false, nil
}

func wrapAssumeRoleErr(acct appaccount.Account, err error) error {
	return &errs.PermissionDenied{Op: "assume role " + acct.ARNOrSubscription, Err: err}
}

func isAlreadyExists(err error) bool {
	return containsCode(err, "TrailAlreadyExists")
}

func isNotFound(err error) bool {
	return containsCode(err, "InvalidInstanceID.NotFound")
}

func containsCode(err error, code string) bool {
	type apiError interface {
		ErrorCode() string
	}
	var apiErr apiError
	for e := err; e != nil; e = unwrap(e) {
		if ae, ok := e.(apiError); ok {
			apiErr = ae
			break
		}
	}
	return apiErr != nil && apiErr.ErrorCode() == code
}

func unwrap(err error) error {
	type unwrapper interface {
		Unwrap() error
	}
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// regionFromAZ strips the trailing availability-zone letter off an AZ name
// ("us-east-1a" -> "us-east-1").
func regionFromAZ(az string) string {
	if len(az) == 0 {
		return az
	}
	return az[:len(az)-1]
}
