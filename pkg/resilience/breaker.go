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

package resilience

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/awslabs/open-resource-broker-sub001/pkg/metrics"
)

// State is the breaker state for one {service, operation} pair.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// BreakerSettings tune the breaker state machine.
type BreakerSettings struct {
	// FailureThreshold consecutive failed calls trip CLOSED to OPEN.
	FailureThreshold int
	// ResetTimeout is how long OPEN rejects calls before probing again.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent probe admissions in HALF_OPEN.
	HalfOpenMaxCalls int
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 60 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 10
	}
	return s
}

type breaker struct {
	mu       sync.Mutex
	clock    clock.Clock
	settings BreakerSettings
	service  string
	op       string

	state          State
	failures       int
	openedAt       time.Time
	probesAdmitted int
}

func newBreaker(clk clock.Clock, settings BreakerSettings, service, op string) *breaker {
	b := &breaker{clock: clk, settings: settings, service: service, op: op, state: Closed}
	b.publishState()
	return b
}

// Allow reports whether a call may proceed, transitioning OPEN to HALF_OPEN once
// the reset timeout has elapsed. A denied call must not reach the cloud.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock.Since(b.openedAt) < b.settings.ResetTimeout {
			return false
		}
		b.transition(HalfOpen)
		b.probesAdmitted = 1
		return true
	case HalfOpen:
		if b.probesAdmitted >= b.settings.HalfOpenMaxCalls {
			return false
		}
		b.probesAdmitted++
		return true
	}
	return false
}

// Record observes the outcome of one executed call.
func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		if !success {
			b.trip()
			return
		}
		// One successful probe is proof enough that the service recovered.
		b.transition(Closed)
		b.failures = 0
	case Open:
		// Calls admitted in HALF_OPEN may resolve after a probe failure re-opened
		// the circuit; their outcome no longer changes anything.
	}
}

func (b *breaker) trip() {
	b.transition(Open)
	b.openedAt = b.clock.Now()
	b.failures = 0
	b.probesAdmitted = 0
}

func (b *breaker) transition(next State) {
	b.state = next
	b.publishState()
}

func (b *breaker) publishState() {
	metrics.BreakerState.WithLabelValues(b.service, b.op).Set(map[State]float64{
		Closed:   0,
		HalfOpen: 1,
		Open:     2,
	}[b.state])
}

// State returns the current state, applying the OPEN to HALF_OPEN timeout so
// reads do not report a stale OPEN past its reset deadline.
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clock.Since(b.openedAt) >= b.settings.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

type breakerRegistry struct {
	mu       sync.Mutex
	clock    clock.Clock
	settings BreakerSettings
	breakers map[string]*breaker
}

func newBreakerRegistry(clk clock.Clock, settings BreakerSettings) *breakerRegistry {
	return &breakerRegistry{clock: clk, settings: settings, breakers: map[string]*breaker{}}
}

func (r *breakerRegistry) forOperation(service, op string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s/%s", service, op)
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(r.clock, r.settings, service, op)
	r.breakers[key] = b
	return b
}
