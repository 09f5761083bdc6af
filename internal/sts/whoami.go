package sts

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/costq/tenantcreds/internal/credentials"
)

// CallerIdentity is the broker's answer to "who am I right now".
type CallerIdentity struct {
	Account string `json:"account"`
	ARN     string `json:"arn"`
	UserID  string `json:"user_id"`
}

type identityAPI interface {
	GetCallerIdentity(ctx context.Context, params *awssts.GetCallerIdentityInput, optFns ...func(*awssts.Options)) (*awssts.GetCallerIdentityOutput, error)
}

// newIdentityAPI is swapped in tests.
var newIdentityAPI = func(cfg aws.Config) identityAPI {
	return awssts.NewFromConfig(cfg)
}

// WhoAmI asks the broker which identity the context's bound credential
// presents as. It proves end to end that resolution produced a working
// credential for the right tenant account.
func WhoAmI(ctx context.Context) (*CallerIdentity, error) {
	cfg, err := credentials.AWSConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}

	out, err := newIdentityAPI(cfg).GetCallerIdentity(ctx, &awssts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying caller identity: %w", err)
	}

	return &CallerIdentity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}
