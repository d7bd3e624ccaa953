/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package aws

import (
	"context"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"

	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

const userAgent = "open-resource-broker"

// ClientOptions configure the AWS SDK clients at construction time.
type ClientOptions struct {
	Region   string
	Profile  string
	Endpoint string // overrides every service endpoint, for localstack style testing
}

// Client bundles the narrowed service APIs behind a single handle. The broker's
// retry layer owns backoff, so SDK-level retries are pinned to a single attempt.
type Client struct {
	EC2         sdk.EC2API
	AutoScaling sdk.AutoScalingAPI
	STS         sdk.STSAPI
	IAM         sdk.IAMAPI
	Region      string

	mu        sync.Mutex
	accountID string
}

// NewClient loads the default AWS configuration and constructs the service clients.
// Failures surface as Configuration errors so callers can distinguish bad wiring
// from cloud-side faults.
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRetryMaxAttempts(1),
		config.WithAPIOptions([]func(*middleware.Stack) error{awsmiddleware.AddUserAgentKey(userAgent)}),
		withRegion(opts.Region),
		withProfile(opts.Profile),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, err, "loading AWS configuration")
	}
	if cfg.Region == "" && opts.Region == "" {
		return nil, errors.Configurationf("no AWS region configured")
	}
	log.FromContext(ctx).Debugw("constructed AWS clients", "region", cfg.Region)
	return &Client{
		EC2:         ec2.NewFromConfig(cfg, func(o *ec2.Options) { applyEndpoint(&o.BaseEndpoint, opts.Endpoint) }),
		AutoScaling: autoscaling.NewFromConfig(cfg, func(o *autoscaling.Options) { applyEndpoint(&o.BaseEndpoint, opts.Endpoint) }),
		STS:         sts.NewFromConfig(cfg, func(o *sts.Options) { applyEndpoint(&o.BaseEndpoint, opts.Endpoint) }),
		IAM:         iam.NewFromConfig(cfg, func(o *iam.Options) { applyEndpoint(&o.BaseEndpoint, opts.Endpoint) }),
		Region:      cfg.Region,
	}, nil
}

func withRegion(region string) func(*config.LoadOptions) error {
	if region == "" {
		return func(*config.LoadOptions) error { return nil }
	}
	return config.WithRegion(region)
}

func withProfile(profile string) func(*config.LoadOptions) error {
	if profile == "" {
		return func(*config.LoadOptions) error { return nil }
	}
	return config.WithSharedConfigProfile(profile)
}

func applyEndpoint(target **string, endpoint string) {
	if endpoint != "" {
		*target = awssdk.String(endpoint)
	}
}

// AccountID resolves and caches the calling account, used to expand bare role
// names into ARNs.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountID != "" {
		return c.accountID, nil
	}
	out, err := c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", errors.Classify("sts", "get_caller_identity", err)
	}
	c.accountID = awssdk.ToString(out.Account)
	return c.accountID, nil
}
