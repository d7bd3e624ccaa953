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

// Package strategy is the single entry point into the provisioning layer. It
// routes provider operations through a closed dispatch table, enforces dry-run
// on every mutating path and reports provider health.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/aws/sdk"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/capacity"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/instance"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/launchtemplate"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/release"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

const (
	healthCheckTimeout = 10 * time.Second
	healthCacheTTL     = 30 * time.Second
	healthCacheKey     = "provider-health"
)

// TemplateSource lists the templates the scheduler may request capacity from.
type TemplateSource interface {
	ListTemplates(ctx context.Context) ([]*v1.Template, error)
}

// Health is the cached outcome of a provider health check.
type Health struct {
	Healthy   bool
	Message   string
	AccountID string
	CheckedAt time.Time
}

type operationFunc func(context.Context, *v1.ProviderOperation) (*v1.ProviderResult, error)

// Strategy routes provider operations to capacity handlers and shared
// provisioning services.
type Strategy struct {
	registry    capacity.Registry
	releases    *release.Engine
	instances   *instance.Provider
	lts         *launchtemplate.Provider
	stsapi      sdk.STSAPI
	exec        *resilience.Executor
	templates   TemplateSource
	fallback    []*v1.Template
	healthCache *cache.Cache
	dispatch    map[v1.OperationType]operationFunc
	initOnce    sync.Once
	ready       bool
}

type Options struct {
	// FallbackTemplates serve GET_AVAILABLE_TEMPLATES when no template source
	// is registered.
	FallbackTemplates []*v1.Template
}

func NewStrategy(registry capacity.Registry, releases *release.Engine, instances *instance.Provider, lts *launchtemplate.Provider, stsapi sdk.STSAPI, exec *resilience.Executor, templates TemplateSource, opts Options) *Strategy {
	s := &Strategy{
		registry:    registry,
		releases:    releases,
		instances:   instances,
		lts:         lts,
		stsapi:      stsapi,
		exec:        exec,
		templates:   templates,
		fallback:    opts.FallbackTemplates,
		healthCache: cache.New(healthCacheTTL, healthCacheTTL),
	}
	s.dispatch = map[v1.OperationType]operationFunc{
		v1.OpCreateInstances:           s.createInstances,
		v1.OpTerminateInstances:        s.terminateInstances,
		v1.OpGetInstanceStatus:         s.getInstanceStatus,
		v1.OpValidateTemplate:          s.validateTemplate,
		v1.OpGetAvailableTemplates:     s.getAvailableTemplates,
		v1.OpDescribeResourceInstances: s.describeResourceInstances,
		v1.OpHealthCheck:               s.healthCheck,
	}
	return s
}

// Initialize records readiness. Construction already wired everything; this
// exists so callers can assert the strategy was set up exactly once.
func (s *Strategy) Initialize() {
	s.initOnce.Do(func() { s.ready = true })
}

// Execute routes one operation. Unknown operation types are a configuration
// error, not a panic.
func (s *Strategy) Execute(ctx context.Context, op *v1.ProviderOperation) (*v1.ProviderResult, error) {
	fn, ok := s.dispatch[op.Type]
	if !ok {
		return nil, errors.Configurationf("unknown provider operation type %q", op.Type)
	}
	return fn(ctx, op)
}

// handlerFor resolves the capacity handler for a template, falling back to
// RunInstances with a warning when the template names an API nothing serves.
func (s *Strategy) handlerFor(ctx context.Context, api v1.ProviderAPI) (capacity.Handler, error) {
	handler, err := s.registry.ForAPI(api)
	if err == nil {
		return handler, nil
	}
	if errors.IsConfiguration(err) && len(s.registry) > 0 {
		log.FromContext(ctx).Warnw("no handler for provider api, falling back to RunInstances", "provider-api", api)
		return s.registry.ForAPI(v1.ProviderRunInstances)
	}
	return nil, err
}

func (s *Strategy) createInstances(ctx context.Context, op *v1.ProviderOperation) (*v1.ProviderResult, error) {
	if op.Request == nil || op.Template == nil {
		return nil, errors.Validationf("create instances requires a request and a template")
	}
	handler, err := s.handlerFor(ctx, op.Template.ProviderAPI)
	if err != nil {
		return nil, err
	}
	if err := handler.Validate(op.Template); err != nil {
		return nil, err
	}
	ltRef, err := s.lts.EnsureLaunchTemplate(ctx, op.Template, op.DryRun)
	if err != nil {
		return nil, fmt.Errorf("ensuring launch template, %w", err)
	}
	out, err := handler.Acquire(ctx, &capacity.AcquireInput{
		Request:        op.Request,
		Template:       op.Template,
		LaunchTemplate: ltRef,
		DryRun:         op.DryRun,
	})
	if err != nil {
		return nil, err
	}
	result := &v1.ProviderResult{
		Success:     true,
		ResourceIDs: out.ResourceIDs,
		FleetErrors: out.FleetErrors,
		Metadata:    out.Metadata,
		Message:     fmt.Sprintf("acquire submitted through %s", handler.API()),
	}
	result.SetMetadata(v1.MetadataProviderAPI, string(handler.API()))
	result.SetMetadata(v1.MetadataFleetType, string(op.Template.EffectiveFleetType()))
	result.SetMetadata(v1.MetadataLaunchTemplate, ltRef.Name)
	if op.DryRun {
		result.SetMetadata(v1.MetadataDryRun, true)
		result.Message = "dry run, no capacity requested"
		return result, nil
	}
	instances := out.Instances
	if len(instances) == 0 && len(out.ResourceIDs) > 0 {
		instances = s.waitDeferred(ctx, handler, op, out.ResourceIDs)
	}
	for _, inst := range instances {
		machine, merr := instance.MachineFromInstance(inst, op.Request.ID, op.Template.ID)
		if merr != nil {
			log.FromContext(ctx).Warnw("skipping undescribable instance", "instance-id", aws.ToString(inst.InstanceId), "error", merr)
			continue
		}
		result.Machines = append(result.Machines, machine)
	}
	return result, nil
}

// waitDeferred polls a freshly created resource until its instances surface.
// Scaling groups and non-instant fleets launch asynchronously; a short poll
// lets most acquires terminalize in one pass instead of waiting for the next
// scheduler status poll. Shortfall after the budget is not an error here.
func (s *Strategy) waitDeferred(ctx context.Context, handler capacity.Handler, op *v1.ProviderOperation, resourceIDs []string) []ec2types.Instance {
	var discovered []ec2types.Instance
	if err := retry.Do(func() error {
		var all []ec2types.Instance
		for _, resourceID := range resourceIDs {
			polled, perr := handler.PollStatus(ctx, &capacity.PollInput{
				Request:    op.Request,
				Template:   op.Template,
				ResourceID: resourceID,
			})
			if perr != nil {
				return perr
			}
			all = append(all, polled...)
		}
		discovered = lo.UniqBy(all, func(i ec2types.Instance) string { return aws.ToString(i.InstanceId) })
		if len(discovered) < op.Request.RequestedCount {
			return fmt.Errorf("discovered %d of %d instances", len(discovered), op.Request.RequestedCount)
		}
		return nil
	},
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(5),
		retry.LastErrorOnly(true),
	); err != nil {
		log.FromContext(ctx).Warnw("deferred capacity only partially discovered",
			"discovered", len(discovered), "requested", op.Request.RequestedCount, "error", err)
	}
	return discovered
}

func (s *Strategy) terminateInstances(ctx context.Context, op *v1.ProviderOperation) (*v1.ProviderResult, error) {
	if len(op.InstanceIDs) == 0 {
		return nil, errors.Validationf("terminate instances requires at least one instance id")
	}
	if op.DryRun {
		return &v1.ProviderResult{Success: true, Message: "dry run, no instances terminated", Metadata: map[string]any{v1.MetadataDryRun: true}}, nil
	}
	if s.releases == nil {
		// No release engine wired; terminating directly still honors the
		// request even though fleet capacity is not decreased first.
		log.FromContext(ctx).Warnw("release engine unavailable, terminating directly", "instances", len(op.InstanceIDs))
		if _, err := s.instances.Terminate(ctx, op.InstanceIDs); err != nil {
			return nil, err
		}
	} else if err := s.releases.Release(ctx, op.InstanceIDs, op.Hints); err != nil {
		return nil, err
	}
	return &v1.ProviderResult{Success: true, Message: fmt.Sprintf("released %d instances", len(op.InstanceIDs))}, nil
}

func (s *Strategy) getInstanceStatus(ctx context.Context, op *v1.ProviderOperation) (*v1.ProviderResult, error) {
	requestID, templateID := "", ""
	if op.Request != nil {
		requestID = op.Request.ID
		templateID = op.Request.TemplateID
	}
	instances, err := s.pollInstances(ctx, op)
	if err != nil {
		return nil, err
	}
	result := &v1.ProviderResult{Success: true}
	for _, inst := range instances {
		machine, merr := instance.MachineFromInstance(inst, requestID, templateID)
		if merr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("instance %s: %v", aws.ToString(inst.InstanceId), merr))
			continue
		}
		result.Machines = append(result.Machines, machine)
	}
	result.Message = fmt.Sprintf("described %d machines", len(result.Machines))
	return result, nil
}

// pollInstances fans out one poll per resource id when the request owns
// resources, and falls back to a flat describe otherwise. Polling also stamps
// broker tags onto deferred-fleet instances as they surface.
func (s *Strategy) pollInstances(ctx context.Context, op *v1.ProviderOperation) ([]ec2types.Instance, error) {
	if op.Request == nil || len(op.Request.ResourceIDs) == 0 || op.Template == nil {
		return s.instances.List(ctx, op.InstanceIDs)
	}
	handler, err := s.handlerFor(ctx, op.Template.ProviderAPI)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	var all []ec2types.Instance
	group, gctx := errgroup.WithContext(ctx)
	for _, resourceID := range op.Request.ResourceIDs {
		group.Go(func() error {
			polled, perr := handler.PollStatus(gctx, &capacity.PollInput{
				Request:    op.Request,
				Template:   op.Template,
				ResourceID: resourceID,
			})
			if perr != nil {
				return fmt.Errorf("polling resource %s, %w", resourceID, perr)
			}
			mu.Lock()
			all = append(all, polled...)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return lo.UniqBy(all, func(i ec2types.Instance) string { return aws.ToString(i.InstanceId) }), nil
}

func (s *Strategy) validateTemplate(ctx context.Context, op *v1.ProviderOperation) (*v1.ProviderResult, error) {
	if op.Template == nil {
		return nil, errors.Validationf("validate template requires a template")
	}
	result := &v1.ProviderResult{Warnings: staticWarnings(op.Template)}
	err := op.Template.Validate()
	if err == nil {
		if handler, herr := s.registry.ForAPI(op.Template.ProviderAPI); herr == nil {
			err = handler.Validate(op.Template)
		}
	}
	if err != nil {
		result.Success = false
		result.Message = err.Error()
		return result, nil
	}
	result.Success = true
	result.Message = fmt.Sprintf("template %s is valid", op.Template.ID)
	return result, nil
}

// staticWarnings flags template shapes that are legal but usually regretted.
func staticWarnings(tmpl *v1.Template) []string {
	var warnings []string
	if tmpl.Pricing.Type == v1.PricingSpot && tmpl.Pricing.MaxSpotPrice == "" {
		warnings = append(warnings, "spot pricing has no max price cap")
	}
	if len(tmpl.SubnetIDs) == 1 && tmpl.ProviderAPI != v1.ProviderRunInstances {
		warnings = append(warnings, "single subnet limits the fleet to one availability zone")
	}
	if tmpl.InstanceProfile == "" {
		warnings = append(warnings, "no instance profile configured")
	}
	return warnings
}

func (s *Strategy) getAvailableTemplates(ctx context.Context, _ *v1.ProviderOperation) (*v1.ProviderResult, error) {
	if s.templates != nil {
		templates, err := s.templates.ListTemplates(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing templates, %w", err)
		}
		if len(templates) > 0 {
			return &v1.ProviderResult{Success: true, Templates: templates, Message: fmt.Sprintf("%d templates available", len(templates))}, nil
		}
	}
	return &v1.ProviderResult{Success: true, Templates: s.fallback, Message: fmt.Sprintf("%d templates available", len(s.fallback))}, nil
}

func (s *Strategy) describeResourceInstances(ctx context.Context, op *v1.ProviderOperation) (*v1.ProviderResult, error) {
	if op.Request == nil || op.ResourceID == "" {
		return nil, errors.Validationf("describe resource instances requires a request and a resource id")
	}
	api := release.APIForResource(op.ResourceID)
	if op.Template != nil && op.Template.ProviderAPI != "" {
		api = op.Template.ProviderAPI
	}
	handler, err := s.handlerFor(ctx, api)
	if err != nil {
		return nil, err
	}
	polled, err := handler.PollStatus(ctx, &capacity.PollInput{Request: op.Request, Template: op.Template, ResourceID: op.ResourceID})
	if err != nil {
		return nil, err
	}
	result := &v1.ProviderResult{Success: true}
	for _, inst := range polled {
		machine, merr := instance.MachineFromInstance(inst, op.Request.ID, op.Request.TemplateID)
		if merr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("instance %s: %v", aws.ToString(inst.InstanceId), merr))
			continue
		}
		result.Machines = append(result.Machines, machine)
	}
	projection, err := handler.DescribeCapacity(ctx, op.ResourceID)
	if err != nil {
		log.FromContext(ctx).Debugw("capacity projection unavailable", "resource-id", op.ResourceID, "error", err)
	} else {
		result.Capacity = projection
		result.SetMetadata(v1.MetadataTargetCapacity, projection.Target)
		result.SetMetadata(v1.MetadataFulfilledCapacity, projection.Fulfilled)
		if api == v1.ProviderASG {
			result.SetMetadata(v1.MetadataASGCurrentCapacity, projection.Fulfilled)
		}
	}
	result.SetMetadata(v1.MetadataProvisionedInstances, len(result.Machines))
	result.Message = fmt.Sprintf("resource %s has %d instances", op.ResourceID, len(result.Machines))
	return result, nil
}

// healthCheck calls STS under a short timeout and caches the verdict so status
// polls do not hammer the endpoint. Dry run reports healthy without any call.
func (s *Strategy) healthCheck(ctx context.Context, op *v1.ProviderOperation) (*v1.ProviderResult, error) {
	if op.DryRun {
		return healthResult(Health{Healthy: true, Message: "dry run", CheckedAt: time.Now()}), nil
	}
	if cached, ok := s.healthCache.Get(healthCacheKey); ok {
		return healthResult(cached.(Health)), nil
	}
	health := s.probe(ctx)
	s.healthCache.SetDefault(healthCacheKey, health)
	return healthResult(health), nil
}

func (s *Strategy) probe(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	var out *sts.GetCallerIdentityOutput
	err := s.exec.Do(ctx, "sts", "get_caller_identity", resilience.ReadOnly, func(ctx context.Context) error {
		var serr error
		out, serr = s.stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return serr
	})
	if err != nil {
		return Health{Healthy: false, Message: fmt.Sprintf("provider unreachable: %v", err), CheckedAt: time.Now()}
	}
	return Health{
		Healthy:   true,
		Message:   "provider reachable",
		AccountID: aws.ToString(out.Account),
		CheckedAt: time.Now(),
	}
}

// CheckHealth exposes the cached health verdict to callers outside the
// operation envelope, like the admin endpoint and health-based selection.
func (s *Strategy) CheckHealth(ctx context.Context) Health {
	if cached, ok := s.healthCache.Get(healthCacheKey); ok {
		return cached.(Health)
	}
	health := s.probe(ctx)
	s.healthCache.SetDefault(healthCacheKey, health)
	return health
}

func healthResult(health Health) *v1.ProviderResult {
	return &v1.ProviderResult{
		Success: health.Healthy,
		Message: health.Message,
		Metadata: map[string]any{
			"account_id": health.AccountID,
			"checked_at": health.CheckedAt,
		},
	}
}

// Cleanup drops cached health state. Handlers and clients are owned by the
// operator and survive; recreating them is its call.
func (s *Strategy) Cleanup() {
	s.healthCache.Flush()
}
