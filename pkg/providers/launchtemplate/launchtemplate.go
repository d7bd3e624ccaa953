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

// Package launchtemplate reifies broker templates into EC2 launch templates.
// Every provisioning path goes through EnsureLaunchTemplate so identical template
// content maps onto one launch template, found via cache, then describe, then
// create.
package launchtemplate

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	awserrors "github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// VersionStrategy decides what happens when a launch template already exists.
type VersionStrategy string

const (
	// StrategyReuse uses the existing template's default version untouched.
	StrategyReuse VersionStrategy = "reuse"
	// StrategyNewVersion publishes a fresh version with the current template data.
	StrategyNewVersion VersionStrategy = "new_version"
)

// NamingStrategy decides launch template names.
type NamingStrategy string

const (
	// NamingHashed derives the name from a content hash, so changed template data
	// lands in a new launch template instead of mutating the old one.
	NamingHashed NamingStrategy = "hashed"
	// NamingNamed uses the broker template's own name verbatim.
	NamingNamed NamingStrategy = "named"
)

const (
	defaultPrefix   = "resource-broker"
	defaultCacheTTL = 10 * time.Minute
)

// Ref identifies a launch template version for fleet and run-instances payloads.
type Ref struct {
	ID      string
	Name    string
	Version string
}

// Options tune the provider.
type Options struct {
	Strategy VersionStrategy
	Naming   NamingStrategy
	Prefix   string
	CacheTTL time.Duration
	// PruneVersions deletes superseded versions beyond MaxVersions after a new
	// version is published.
	PruneVersions bool
	MaxVersions   int
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyReuse
	}
	if o.Naming == "" {
		o.Naming = NamingHashed
	}
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.MaxVersions <= 0 {
		o.MaxVersions = 10
	}
	return o
}

// Provider ensures launch templates exist ahead of provisioning calls.
type Provider struct {
	sync.Mutex
	ec2api sdk.EC2API
	exec   *resilience.Executor
	cache  *cache.Cache
	opts   Options
}

func NewProvider(ec2api sdk.EC2API, exec *resilience.Executor, opts Options) *Provider {
	opts = opts.withDefaults()
	return &Provider{
		ec2api: ec2api,
		exec:   exec,
		cache:  cache.New(opts.CacheTTL, opts.CacheTTL/2),
		opts:   opts,
	}
}

// EnsureLaunchTemplate returns a launch template reference for the template,
// creating one if none exists. A template declaring its own launch template is
// honored as-is; the broker neither manages nor versions it. Dry runs synthesize
// a reference without touching the cloud.
func (p *Provider) EnsureLaunchTemplate(ctx context.Context, tmpl *v1.Template, dryRun bool) (Ref, error) {
	if declared := tmpl.LaunchTemplate; declared != nil && declared.ID != "" {
		return Ref{
			ID:      declared.ID,
			Version: lo.Ternary(declared.Version != "", declared.Version, "$Default"),
		}, nil
	}
	name := p.templateName(tmpl)
	if dryRun {
		return Ref{ID: "lt-dryrun", Name: name, Version: "$Latest"}, nil
	}
	p.Lock()
	defer p.Unlock()
	if cached, ok := p.cache.Get(name); ok {
		p.cache.SetDefault(name, cached)
		return cached.(Ref), nil
	}
	ref, err := p.ensure(ctx, name, tmpl)
	if err != nil {
		return Ref{}, err
	}
	p.cache.SetDefault(name, ref)
	return ref, nil
}

func (p *Provider) ensure(ctx context.Context, name string, tmpl *v1.Template) (Ref, error) {
	var out *ec2.DescribeLaunchTemplatesOutput
	err := p.exec.Do(ctx, "ec2", "describe_launch_templates", resilience.ReadOnly, func(ctx context.Context) error {
		var derr error
		out, derr = p.ec2api.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
			LaunchTemplateNames: []string{name},
		})
		return derr
	})
	if awserrors.IsNotFound(err) {
		return p.create(ctx, name, tmpl)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("describing launch templates, %w", err)
	}
	if len(out.LaunchTemplates) != 1 {
		return Ref{}, fmt.Errorf("expected to find one launch template named %s, but found %d", name, len(out.LaunchTemplates))
	}
	existing := out.LaunchTemplates[0]
	if p.opts.Strategy == StrategyNewVersion {
		return p.createVersion(ctx, existing, tmpl)
	}
	return Ref{
		ID:      aws.ToString(existing.LaunchTemplateId),
		Name:    aws.ToString(existing.LaunchTemplateName),
		Version: "$Default",
	}, nil
}

func (p *Provider) create(ctx context.Context, name string, tmpl *v1.Template) (Ref, error) {
	var out *ec2.CreateLaunchTemplateOutput
	err := p.exec.Do(ctx, "ec2", "create_launch_template", resilience.Standard, func(ctx context.Context) error {
		var cerr error
		out, cerr = p.ec2api.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
			LaunchTemplateName: aws.String(name),
			LaunchTemplateData: p.launchTemplateData(tmpl),
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeLaunchTemplate,
				Tags:         utils.MergeTags(tmpl.Tags, map[string]string{v1.TagKeyManaged: "true", v1.TagKeyTemplateID: tmpl.ID}),
			}},
		})
		return cerr
	})
	// A concurrent caller can win the create; fall back to theirs.
	if awserrors.IsAlreadyExists(err) {
		return p.ensure(ctx, name, tmpl)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("creating launch template, %w", err)
	}
	log.FromContext(ctx).Debugw("created launch template",
		"launch-template-name", name, "id", aws.ToString(out.LaunchTemplate.LaunchTemplateId))
	return Ref{
		ID:      aws.ToString(out.LaunchTemplate.LaunchTemplateId),
		Name:    aws.ToString(out.LaunchTemplate.LaunchTemplateName),
		Version: "$Latest",
	}, nil
}

func (p *Provider) createVersion(ctx context.Context, existing ec2types.LaunchTemplate, tmpl *v1.Template) (Ref, error) {
	var out *ec2.CreateLaunchTemplateVersionOutput
	err := p.exec.Do(ctx, "ec2", "create_launch_template_version", resilience.Standard, func(ctx context.Context) error {
		var cerr error
		out, cerr = p.ec2api.CreateLaunchTemplateVersion(ctx, &ec2.CreateLaunchTemplateVersionInput{
			LaunchTemplateId:   existing.LaunchTemplateId,
			LaunchTemplateData: p.launchTemplateData(tmpl),
		})
		return cerr
	})
	if err != nil {
		return Ref{}, fmt.Errorf("creating launch template version, %w", err)
	}
	version := strconv.FormatInt(aws.ToInt64(out.LaunchTemplateVersion.VersionNumber), 10)
	log.FromContext(ctx).Debugw("created launch template version",
		"launch-template-name", aws.ToString(existing.LaunchTemplateName), "version", version)
	if p.opts.PruneVersions {
		p.pruneVersions(ctx, aws.ToString(existing.LaunchTemplateId))
	}
	return Ref{
		ID:      aws.ToString(existing.LaunchTemplateId),
		Name:    aws.ToString(existing.LaunchTemplateName),
		Version: version,
	}, nil
}

// pruneVersions trims superseded versions so a busy template does not creep
// toward the per template version quota. Best effort: a failed prune never
// fails the acquire that published the new version.
func (p *Provider) pruneVersions(ctx context.Context, ltID string) {
	var versions []ec2types.LaunchTemplateVersion
	err := p.exec.Do(ctx, "ec2", "describe_launch_template_versions", resilience.ReadOnly, func(ctx context.Context) error {
		versions = versions[:0]
		var token *string
		for {
			out, derr := p.ec2api.DescribeLaunchTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
				LaunchTemplateId: aws.String(ltID),
				NextToken:        token,
			})
			if derr != nil {
				return derr
			}
			versions = append(versions, out.LaunchTemplateVersions...)
			if token = out.NextToken; token == nil {
				return nil
			}
		}
	})
	if err != nil {
		log.FromContext(ctx).Debugw("listing launch template versions failed", "launch-template-id", ltID, "error", err)
		return
	}
	if len(versions) <= p.opts.MaxVersions {
		return
	}
	sort.Slice(versions, func(a, b int) bool {
		return aws.ToInt64(versions[a].VersionNumber) > aws.ToInt64(versions[b].VersionNumber)
	})
	// The default version cannot be deleted.
	stale := lo.FilterMap(versions[p.opts.MaxVersions:], func(v ec2types.LaunchTemplateVersion, _ int) (string, bool) {
		return strconv.FormatInt(aws.ToInt64(v.VersionNumber), 10), !aws.ToBool(v.DefaultVersion)
	})
	if len(stale) == 0 {
		return
	}
	if derr := p.exec.Do(ctx, "ec2", "delete_launch_template_versions", resilience.Standard, func(ctx context.Context) error {
		_, e := p.ec2api.DeleteLaunchTemplateVersions(ctx, &ec2.DeleteLaunchTemplateVersionsInput{
			LaunchTemplateId: aws.String(ltID),
			Versions:         stale,
		})
		return e
	}); derr != nil {
		log.FromContext(ctx).Warnw("pruning launch template versions failed", "launch-template-id", ltID, "error", derr)
		return
	}
	log.FromContext(ctx).Debugw("pruned launch template versions", "launch-template-id", ltID, "deleted", len(stale))
}

func (p *Provider) launchTemplateData(tmpl *v1.Template) *ec2types.RequestLaunchTemplateData {
	data := &ec2types.RequestLaunchTemplateData{
		ImageId:          aws.String(tmpl.ImageID),
		SecurityGroupIds: tmpl.SecurityGroupIDs,
		MetadataOptions: &ec2types.LaunchTemplateInstanceMetadataOptionsRequest{
			HttpEndpoint:            ec2types.LaunchTemplateInstanceMetadataEndpointStateEnabled,
			HttpTokens:              ec2types.LaunchTemplateHttpTokensStateRequired,
			HttpPutResponseHopLimit: aws.Int32(2),
		},
		TagSpecifications: []ec2types.LaunchTemplateTagSpecificationRequest{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: utils.MergeTags(tmpl.Tags, map[string]string{v1.TagKeyTemplateID: tmpl.ID})},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: utils.MergeTags(tmpl.Tags, map[string]string{v1.TagKeyTemplateID: tmpl.ID})},
		},
	}
	if tmpl.UserData != "" {
		data.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(tmpl.UserData)))
	}
	if tmpl.KeyName != "" {
		data.KeyName = aws.String(tmpl.KeyName)
	}
	if tmpl.InstanceProfile != "" {
		data.IamInstanceProfile = &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Name: aws.String(tmpl.InstanceProfile),
		}
	}
	if tmpl.RootVolumeSize > 0 {
		data.BlockDeviceMappings = []ec2types.LaunchTemplateBlockDeviceMappingRequest{{
			DeviceName: aws.String("/dev/xvda"),
			Ebs: &ec2types.LaunchTemplateEbsBlockDeviceRequest{
				VolumeSize:          aws.Int32(tmpl.RootVolumeSize),
				VolumeType:          ec2types.VolumeType(lo.Ternary(tmpl.RootVolumeType != "", tmpl.RootVolumeType, "gp3")),
				DeleteOnTermination: aws.Bool(true),
				Encrypted:           aws.Bool(true),
			},
		}}
	}
	return data
}

// DeleteLaunchTemplate removes a launch template and invalidates its cache entry.
func (p *Provider) DeleteLaunchTemplate(ctx context.Context, name string) error {
	p.Lock()
	defer p.Unlock()
	err := p.exec.Do(ctx, "ec2", "delete_launch_template", resilience.Standard, func(ctx context.Context) error {
		_, derr := p.ec2api.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{
			LaunchTemplateName: aws.String(name),
		})
		return derr
	})
	p.cache.Delete(name)
	if awserrors.IsNotFound(err) {
		return nil
	}
	return err
}

// Invalidate drops a launch template from the cache when it no longer exists.
func (p *Provider) Invalidate(ctx context.Context, name string) {
	p.Lock()
	defer p.Unlock()
	log.FromContext(ctx).Debugw("invalidating launch template in the cache because it no longer exists", "launch-template-name", name)
	p.cache.Delete(name)
}

func (p *Provider) templateName(tmpl *v1.Template) string {
	if p.opts.Naming == NamingNamed && tmpl.Name != "" {
		return tmpl.Name
	}
	hash := lo.Must(hashstructure.Hash(hashableOptions(tmpl), hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true}))
	return fmt.Sprintf("%s-%s-%d", p.opts.Prefix, tmpl.ID, hash)
}

// hashableOptions captures exactly the fields that shape launch template data, so
// unrelated template edits do not churn template names.
func hashableOptions(tmpl *v1.Template) any {
	return struct {
		ImageID          string
		SecurityGroupIDs []string
		InstanceProfile  string
		KeyName          string
		UserData         string
		RootVolumeSize   int32
		RootVolumeType   string
		Tags             map[string]string
	}{
		ImageID:          tmpl.ImageID,
		SecurityGroupIDs: tmpl.SecurityGroupIDs,
		InstanceProfile:  tmpl.InstanceProfile,
		KeyName:          tmpl.KeyName,
		UserData:         tmpl.UserData,
		RootVolumeSize:   tmpl.RootVolumeSize,
		RootVolumeType:   tmpl.RootVolumeType,
		Tags:             tmpl.Tags,
	}
}
