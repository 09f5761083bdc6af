package credentials

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
)

// AWSConfig builds an SDK config pinned to this credential. Every AWS client
// built from it carries exactly this identity: no environment variables, no
// shared credential files, no instance metadata fallback.
func (c *Credential) AWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.Region),
		awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("building aws config for account %s: %w", c.AccountID, err)
	}
	return cfg, nil
}

// AWSConfigFromContext is the common call sites make: resolve the bound
// credential via Current, then build an SDK config from it.
func AWSConfigFromContext(ctx context.Context) (aws.Config, error) {
	cred, err := Current(ctx)
	if err != nil {
		return aws.Config{}, err
	}
	return cred.AWSConfig(ctx)
}
