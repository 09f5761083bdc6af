package sts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
)

type fakeAPI struct {
	err      error
	failures int // fail this many calls before succeeding
	calls    atomic.Int64

	lastInput *awssts.AssumeRoleInput
}

func (f *fakeAPI) AssumeRole(_ context.Context, params *awssts.AssumeRoleInput, _ ...func(*awssts.Options)) (*awssts.AssumeRoleOutput, error) {
	n := f.calls.Add(1)
	f.lastInput = params
	if f.err != nil && (f.failures == 0 || n <= int64(f.failures)) {
		return nil, f.err
	}
	exp := time.Now().Add(time.Hour)
	return &awssts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("ASIAEXAMPLE"),
			SecretAccessKey: aws.String("delegated-secret"),
			SessionToken:    aws.String("delegated-token"),
			Expiration:      &exp,
		},
	}, nil
}

func testClient(api api, opts Options) *Client {
	return &Client{
		api:    api,
		opts:   opts,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestAssumeRoleSuccess(t *testing.T) {
	fake := &fakeAPI{}
	c := testClient(fake, Options{})

	sess, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/costq-readonly", "ext-444455556666", "tenantcreds-abc")
	if err != nil {
		t.Fatalf("AssumeRole: %v", err)
	}
	if sess.AccessKeyID != "ASIAEXAMPLE" || sess.SessionToken != "delegated-token" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if !sess.ExpiresAt.After(time.Now()) {
		t.Errorf("expiry not in the future: %v", sess.ExpiresAt)
	}

	in := fake.lastInput
	if aws.ToString(in.ExternalId) != "ext-444455556666" {
		t.Errorf("ExternalId = %q", aws.ToString(in.ExternalId))
	}
	if aws.ToString(in.RoleSessionName) != "tenantcreds-abc" {
		t.Errorf("RoleSessionName = %q", aws.ToString(in.RoleSessionName))
	}
	if got := aws.ToInt32(in.DurationSeconds); got != 3600 {
		t.Errorf("DurationSeconds = %d, want 3600", got)
	}
}

func TestAssumeRoleRequiresExternalID(t *testing.T) {
	fake := &fakeAPI{}
	c := testClient(fake, Options{})

	if _, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/r", "", "s"); err == nil {
		t.Fatal("expected error for missing external ID")
	}
	if fake.calls.Load() != 0 {
		t.Error("missing external ID must be rejected before any broker call")
	}
}

func TestAssumeRoleRequiresRoleARN(t *testing.T) {
	fake := &fakeAPI{}
	c := testClient(fake, Options{})

	if _, err := c.AssumeRole(context.Background(), "", "ext", "s"); err == nil {
		t.Fatal("expected error for missing role ARN")
	}
	if fake.calls.Load() != 0 {
		t.Error("missing role ARN must be rejected before any broker call")
	}
}

func TestAssumeRoleAccessDeniedIsPermanent(t *testing.T) {
	fake := &fakeAPI{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}}
	c := testClient(fake, Options{Attempts: 3})

	_, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/r", "ext", "s")
	var rejection *AssumeRoleError
	if !errors.As(err, &rejection) {
		t.Fatalf("err = %v, want *AssumeRoleError", err)
	}
	if rejection.Code != "AccessDenied" {
		t.Errorf("Code = %q", rejection.Code)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (trust rejections must not be retried)", got)
	}
}

func TestAssumeRoleThrottlingIsRetried(t *testing.T) {
	fake := &fakeAPI{
		err:      &smithy.GenericAPIError{Code: "Throttling"},
		failures: 2,
	}
	c := testClient(fake, Options{Attempts: 3})

	sess, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/r", "ext", "s")
	if err != nil {
		t.Fatalf("AssumeRole: %v", err)
	}
	if sess.AccessKeyID != "ASIAEXAMPLE" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if got := fake.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (two throttles then success)", got)
	}
}

func TestAssumeRoleTransportErrorIsRetried(t *testing.T) {
	fake := &fakeAPI{
		err:      errors.New("dial tcp: connection refused"),
		failures: 1,
	}
	c := testClient(fake, Options{Attempts: 2})

	if _, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/r", "ext", "s"); err != nil {
		t.Fatalf("AssumeRole: %v", err)
	}
	if got := fake.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestAssumeRoleExhaustsAttempts(t *testing.T) {
	fake := &fakeAPI{err: errors.New("dial tcp: connection refused")}
	c := testClient(fake, Options{Attempts: 3})

	if _, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/r", "ext", "s"); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := fake.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestAssumeRoleExhaustedRetriesIsTyped(t *testing.T) {
	fake := &fakeAPI{err: errors.New("dial tcp 10.0.0.5:443: connection refused")}
	c := testClient(fake, Options{Attempts: 2})

	_, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/r", "ext", "s")
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	var rejection *AssumeRoleError
	if !errors.As(err, &rejection) {
		t.Fatalf("exhausted-retry error is not *AssumeRoleError: %v", err)
	}
	if rejection.Code != CodeRetriesExhausted {
		t.Errorf("code = %q, want %q", rejection.Code, CodeRetriesExhausted)
	}
	if strings.Contains(err.Error(), "10.0.0.5") {
		t.Errorf("error leaks transport detail: %v", err)
	}
}

func TestAssumeRoleExhaustedThrottlingKeepsCode(t *testing.T) {
	fake := &fakeAPI{err: &smithy.GenericAPIError{Code: "Throttling", Message: "slow down"}}
	c := testClient(fake, Options{Attempts: 2})

	_, err := c.AssumeRole(context.Background(), "arn:aws:iam::444455556666:role/r", "ext", "s")
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	var rejection *AssumeRoleError
	if !errors.As(err, &rejection) {
		t.Fatalf("exhausted-retry error is not *AssumeRoleError: %v", err)
	}
	if rejection.Code != "Throttling" {
		t.Errorf("code = %q, want Throttling", rejection.Code)
	}
	if got := fake.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestAssumeRoleErrorOmitsSensitiveDetail(t *testing.T) {
	e := &AssumeRoleError{Code: "AccessDenied"}
	if got := e.Error(); got != "role delegation rejected: AccessDenied" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSessionDurationClamped(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, time.Hour},
		{time.Minute, 15 * time.Minute},
		{30 * time.Minute, 30 * time.Minute},
		{2 * time.Hour, time.Hour},
	}
	for _, tc := range tests {
		if got := (Options{SessionDuration: tc.in}).sessionDuration(); got != tc.want {
			t.Errorf("sessionDuration(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
