// Package sts wraps the AWS Security Token Service: role delegation for
// tenant accounts and caller-identity verification. The delegation client
// runs under the service's own identity; everything else in the process
// talks to AWS only through per-request resolved credentials.
package sts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/costq/tenantcreds/internal/credentials"
	"github.com/costq/tenantcreds/internal/observability"
)

// AssumeRoleError is a delegation rejection from the broker. It carries only
// the broker's error code, never request parameters or credential material.
type AssumeRoleError struct {
	Code string
}

func (e *AssumeRoleError) Error() string {
	return fmt.Sprintf("role delegation rejected: %s", e.Code)
}

// CodeRetriesExhausted marks a delegation that kept failing transiently
// until the retry budget ran out. The broker never gave a definitive answer.
const CodeRetriesExhausted = "RetriesExhausted"

// Options tunes the delegation client. Zero values fall back to defaults.
type Options struct {
	SessionDuration time.Duration // Requested credential lifetime. Default: 1h.
	RequestTimeout  time.Duration // Per-attempt deadline. Default: 10s.
	Attempts        int           // Total attempts for transient failures. Default: 3.

	Metrics *observability.MetricsCollector // nil = metrics disabled.
	Tracer  trace.Tracer                    // nil = tracing disabled.
}

func (o Options) sessionDuration() time.Duration {
	d := o.SessionDuration
	if d == 0 {
		d = time.Hour
	}
	// STS accepts 900s to the role's maximum; stay inside the floor and
	// our one-hour ceiling.
	if d < 15*time.Minute {
		d = 15 * time.Minute
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return 10 * time.Second
}

func (o Options) attempts() int {
	if o.Attempts > 0 {
		return o.Attempts
	}
	return 3
}

// api is the STS surface the client uses. *awssts.Client implements it.
type api interface {
	AssumeRole(ctx context.Context, params *awssts.AssumeRoleInput, optFns ...func(*awssts.Options)) (*awssts.AssumeRoleOutput, error)
}

// Client performs role delegation under the service's own AWS identity.
// It implements credentials.DelegationClient.
type Client struct {
	api    api
	opts   Options
	logger *slog.Logger
}

// NewClient builds a delegation client in the given region using the
// service's ambient AWS identity.
func NewClient(ctx context.Context, region string, opts Options, logger *slog.Logger) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading service aws config: %w", err)
	}
	return &Client{api: awssts.NewFromConfig(cfg), opts: opts, logger: logger}, nil
}

// AssumeRole exchanges a role reference for short-lived credentials. The
// external ID is mandatory: it is the broker-side proof that the tenant
// authorized this service specifically, so a delegation without one is
// rejected before any call is made.
func (c *Client) AssumeRole(ctx context.Context, roleARN, externalID, sessionName string) (*credentials.SessionCredentials, error) {
	if roleARN == "" {
		return nil, errors.New("role delegation requires a role ARN")
	}
	if externalID == "" {
		return nil, errors.New("role delegation requires an external ID")
	}

	if c.opts.Tracer != nil {
		var span trace.Span
		ctx, span = c.opts.Tracer.Start(ctx, "sts.assume_role",
			trace.WithAttributes(attribute.String("session.name", sessionName)))
		defer span.End()
	}

	duration := int32(c.opts.sessionDuration().Seconds())
	input := &awssts.AssumeRoleInput{
		RoleArn:         &roleARN,
		RoleSessionName: &sessionName,
		ExternalId:      &externalID,
		DurationSeconds: &duration,
	}

	start := time.Now()
	operation := func() (*awssts.AssumeRoleOutput, error) {
		actx, cancel := context.WithTimeout(ctx, c.opts.requestTimeout())
		defer cancel()

		out, err := c.api.AssumeRole(actx, input)
		if err != nil {
			if retryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(classify(err))
		}
		return out, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.opts.attempts())),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.WarnContext(ctx, "retrying role delegation",
				slog.Duration("wait", wait),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		c.record("error", start)
		if ctx.Err() != nil {
			return nil, err
		}
		// Exhausted transient retries surface as the same typed rejection
		// as a definitive refusal; the raw transport error may name hosts
		// and must not leak past this package.
		err = classify(err)
		var rejection *AssumeRoleError
		if !errors.As(err, &rejection) {
			err = &AssumeRoleError{Code: CodeRetriesExhausted}
		}
		return nil, err
	}
	if out.Credentials == nil || out.Credentials.Expiration == nil {
		c.record("error", start)
		return nil, errors.New("broker returned no credentials")
	}
	c.record("success", start)

	return &credentials.SessionCredentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		ExpiresAt:       *out.Credentials.Expiration,
	}, nil
}

func (c *Client) record(status string, start time.Time) {
	if c.opts.Metrics == nil {
		return
	}
	c.opts.Metrics.AssumeRoleCallsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		c.opts.Metrics.AssumeRoleDuration.Observe(time.Since(start).Seconds())
	}
}

// classify maps a non-retryable SDK error to the typed rejection, keeping
// only the broker's error code.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &AssumeRoleError{Code: apiErr.ErrorCode()}
	}
	return err
}

// retryable reports whether the failure is transient: throttling, broker
// 5xx, or a transport-level error. Trust-policy rejections are terminal and
// must surface immediately.
func retryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return true
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) {
			return respErr.HTTPStatusCode() >= http.StatusInternalServerError
		}
		return false
	}
	// No API error code at all means the request never got a broker
	// answer: DNS, connection reset, timeout.
	return !errors.Is(err, context.Canceled)
}
