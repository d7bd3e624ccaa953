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

package v1

// OperationType enumerates the provider strategy's dispatchable operations.
type OperationType string

const (
	OpCreateInstances           OperationType = "CREATE_INSTANCES"
	OpTerminateInstances        OperationType = "TERMINATE_INSTANCES"
	OpGetInstanceStatus         OperationType = "GET_INSTANCE_STATUS"
	OpValidateTemplate          OperationType = "VALIDATE_TEMPLATE"
	OpGetAvailableTemplates     OperationType = "GET_AVAILABLE_TEMPLATES"
	OpDescribeResourceInstances OperationType = "DESCRIBE_RESOURCE_INSTANCES"
	OpHealthCheck               OperationType = "HEALTH_CHECK"
)

// Request metadata keys. Handlers and the strategy write these; the scheduler
// contract and operators read them.
const (
	MetadataDryRun               = "dry_run"
	MetadataProviderAPI          = "provider_api"
	MetadataFleetType            = "fleet_type"
	MetadataFleetErrors          = "fleet_errors"
	MetadataErrorType            = "error_type"
	MetadataErrorMessage         = "error_message"
	MetadataASGName              = "asg_name"
	MetadataTargetCapacity       = "target_capacity"
	MetadataLaunchTemplate       = "launch_template"
	MetadataSelectionPolicy      = "selection_policy"
	MetadataSelectionReason      = "provider_selection_reason"
	MetadataSelectionConfidence  = "provider_confidence"
	MetadataProviderInstance     = "provider_instance"
	MetadataASGCurrentCapacity   = "asg_current_capacity"
	MetadataFulfilledCapacity    = "fulfilled_capacity_units"
	MetadataProvisionedInstances = "provisioned_instance_count"
)

// ResourceHint maps an instance to the resource that owns it, carried by return
// requests so the release path can skip tag lookups the caller already resolved.
type ResourceHint struct {
	InstanceID      string `json:"instanceId"`
	ResourceID      string `json:"resourceId,omitempty"`
	DesiredCapacity int32  `json:"desiredCapacity,omitempty"`
}

// FleetError is a provider-reported launch failure for part of a fleet request.
type FleetError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	InstanceType string `json:"instanceType,omitempty"`
	Zone         string `json:"zone,omitempty"`
}

// CapacityProjection describes how much of a resource's target has materialized.
type CapacityProjection struct {
	Target    int32 `json:"target"`
	Fulfilled int32 `json:"fulfilled"`
	Pending   int32 `json:"pending"`
}

// ProviderOperation is the envelope the command layer hands the provider
// strategy. Exactly the fields relevant to the operation type are set.
type ProviderOperation struct {
	Type        OperationType
	Request     *Request
	Template    *Template
	InstanceIDs []string
	ResourceID  string
	Hints       []ResourceHint
	DryRun      bool
}

// ProviderResult is the strategy's answer.
type ProviderResult struct {
	Success     bool
	Machines    []*Machine
	ResourceIDs []string
	FleetErrors []FleetError
	Capacity    *CapacityProjection
	Templates   []*Template
	Warnings    []string
	Message     string
	Metadata    map[string]any
}

// SetMetadata attaches a metadata value, allocating the map on first use.
func (r *ProviderResult) SetMetadata(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}
