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
	"time"

	"github.com/google/uuid"
)

// EventType identifies a domain event emitted by an aggregate.
type EventType string

const (
	EventRequestCreated            EventType = "RequestCreated"
	EventRequestStatusChanged      EventType = "RequestStatusChanged"
	EventRequestCompleted          EventType = "RequestCompleted"
	EventRequestPartiallyFulfilled EventType = "RequestPartiallyFulfilled"
	EventRequestFailed             EventType = "RequestFailed"
	EventRequestCancelled          EventType = "RequestCancelled"
	EventMachineProvisioned        EventType = "MachineProvisioned"
	EventMachineStatusChanged      EventType = "MachineStatusChanged"
	EventMachinesReturned          EventType = "MachinesReturned"
	EventProviderHealthChanged     EventType = "ProviderHealthChanged"
)

// Event is an immutable record of something that happened to an aggregate.
// Aggregates buffer events until a unit of work commits and drains them.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	RequestID   string            `json:"requestId,omitempty"`
	MachineName string            `json:"machineName,omitempty"`
	Message     string            `json:"message,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// DedupeValues identify the event for suppression of repeats within the
// publisher's dedupe window.
func (e Event) DedupeValues() []string {
	return []string{string(e.Type), e.RequestID, e.MachineName, e.Message}
}

func newEvent(t EventType) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now().UTC()}
}
