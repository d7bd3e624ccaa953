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

import (
	"regexp"
	"time"

	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
)

// MachineResult is the scheduler-facing verdict for a machine.
type MachineResult string

const (
	MachineResultExecuting MachineResult = "executing"
	MachineResultSucceed   MachineResult = "succeed"
	MachineResultFail      MachineResult = "fail"
)

var instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8,17}$`)

// ValidInstanceID reports whether s is a well formed EC2 instance id.
func ValidInstanceID(s string) bool {
	return instanceIDPattern.MatchString(s)
}

// Machine tracks one cloud instance the broker provisioned. Name doubles as the
// EC2 instance id; the scheduler addresses machines by it.
type Machine struct {
	Name          string         `json:"name"`
	RequestID     string         `json:"requestId"`
	TemplateID    string         `json:"templateId"`
	Result        MachineResult  `json:"result"`
	Status        string         `json:"status"`
	PrivateIP     string         `json:"privateIp,omitempty"`
	PublicIP      string         `json:"publicIp,omitempty"`
	InstanceType  string         `json:"instanceType,omitempty"`
	PriceType     string         `json:"priceType,omitempty"`
	LaunchTime    time.Time      `json:"launchTime,omitempty"`
	Message       string         `json:"message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	SchemaVersion int            `json:"schemaVersion"`

	events []Event
}

// NewMachine constructs a Machine for a freshly launched instance.
func NewMachine(instanceID, requestID, templateID string) (*Machine, error) {
	if !ValidInstanceID(instanceID) {
		return nil, errors.Validationf("malformed instance id %q", instanceID)
	}
	now := time.Now().UTC()
	m := &Machine{
		Name:          instanceID,
		RequestID:     requestID,
		TemplateID:    templateID,
		Result:        MachineResultExecuting,
		Status:        "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: SchemaVersion,
	}
	m.record(EventMachineProvisioned, "")
	return m, nil
}

// ResultForInstanceState maps a raw EC2 instance state onto the scheduler verdict.
// Unknown states stay executing rather than flapping to fail.
func ResultForInstanceState(state string) MachineResult {
	switch state {
	case "pending":
		return MachineResultExecuting
	case "running":
		return MachineResultSucceed
	case "shutting-down", "stopping", "stopped", "terminated":
		return MachineResultFail
	default:
		return MachineResultExecuting
	}
}

// CloudSnapshot is one describe-call view of the instance.
type CloudSnapshot struct {
	State      string
	PrivateIP  string
	PublicIP   string
	LaunchTime time.Time
}

// UpdateFromCloud applies a describe snapshot, recording a status change event
// when the scheduler-facing result moves.
func (m *Machine) UpdateFromCloud(snap CloudSnapshot) {
	prev := m.Result
	m.Status = snap.State
	m.Result = ResultForInstanceState(snap.State)
	if snap.PrivateIP != "" {
		m.PrivateIP = snap.PrivateIP
	}
	if snap.PublicIP != "" {
		m.PublicIP = snap.PublicIP
	}
	if !snap.LaunchTime.IsZero() {
		m.LaunchTime = snap.LaunchTime
	}
	m.UpdatedAt = time.Now().UTC()
	if prev != m.Result {
		m.record(EventMachineStatusChanged, string(prev)+" -> "+string(m.Result))
	}
}

// MarkReturned records that the broker released this machine back to the cloud.
func (m *Machine) MarkReturned(message string) {
	m.Status = "terminated"
	m.Result = MachineResultFail
	m.Message = message
	m.UpdatedAt = time.Now().UTC()
	m.record(EventMachinesReturned, message)
}

func (m *Machine) record(t EventType, message string) {
	e := newEvent(t)
	e.MachineName = m.Name
	e.RequestID = m.RequestID
	e.Message = message
	m.events = append(m.events, e)
}

// TakeEvents drains the buffered events, mirroring Request.TakeEvents.
func (m *Machine) TakeEvents() []Event {
	out := m.events
	m.events = nil
	return out
}
