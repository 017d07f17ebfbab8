package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	appaccount "github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
)

// DefaultClientFactory assumes acct.ARNOrSubscription from the tracker's own
// base credentials (loaded from the standard credential chain) and returns
// service clients scoped to the resulting temporary session (spec §6
// cross-account access).
func DefaultClientFactory(ctx context.Context, region string) ClientFactory {
	return func(ctx context.Context, acct appaccount.Account) (*ec2.Client, *cloudtrail.Client, *sts.Client, error) {
		baseCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load base aws config: %w", err)
		}

		stsClient := sts.NewFromConfig(baseCfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, acct.ARNOrSubscription, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "usage-tracker-" + acct.ID
		})

		scopedCfg := baseCfg.Copy()
		scopedCfg.Credentials = awssdk.NewCredentialsCache(provider)

		return ec2.NewFromConfig(scopedCfg), cloudtrail.NewFromConfig(scopedCfg), sts.NewFromConfig(scopedCfg), nil
	}
}
