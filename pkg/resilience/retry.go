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

// Package resilience wraps every cloud call in a named retry strategy and, for
// capacity mutating operations, a per operation circuit breaker.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

// StrategyName selects a retry profile. Callers request Standard or ReadOnly;
// Critical is normally reached through the auto upgrade of known capacity
// mutating operations.
type StrategyName string

const (
	Critical StrategyName = "critical"
	Standard StrategyName = "standard"
	ReadOnly StrategyName = "read_only"
)

// Strategy is a retry profile. Attempts counts total invocations, not re-tries.
type Strategy struct {
	Name      StrategyName
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
	Breaker   bool
}

var strategies = map[StrategyName]Strategy{
	Critical: {Name: Critical, Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true, Breaker: true},
	Standard: {Name: Standard, Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true},
	ReadOnly: {Name: ReadOnly, Attempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: true},
}

// criticalOperations mutate capacity; losing their first attempt to a transient
// fault must not leave the account in an unknown state without breaker tracking.
var criticalOperations = sets.New(
	"run_instances",
	"create_fleet",
	"modify_fleet",
	"delete_fleets",
	"request_spot_fleet",
	"cancel_spot_fleet_requests",
	"create_auto_scaling_group",
	"update_auto_scaling_group",
	"delete_auto_scaling_group",
)

// StrategyFor resolves the profile for an operation, upgrading Standard to
// Critical when the operation is capacity mutating.
func StrategyFor(operation string, requested StrategyName) Strategy {
	name := requested
	if name == "" {
		name = Standard
	}
	if name == Standard && criticalOperations.Has(operation) {
		name = Critical
	}
	return strategies[name]
}

// delayForAttempt computes the backoff before retry attempt k (1-based):
// min(MaxDelay, BaseDelay*2^(k-1)) scaled by a uniform [0.5, 1.5) jitter factor.
func (s Strategy) delayForAttempt(k uint) time.Duration {
	backoff := float64(s.BaseDelay) * math.Pow(2, float64(k-1))
	if capped := float64(s.MaxDelay); backoff > capped {
		backoff = capped
	}
	if s.Jitter {
		backoff *= 0.5 + rand.Float64()
	}
	return time.Duration(backoff)
}

// Executor runs cloud calls under a strategy and the breaker registry.
type Executor struct {
	clock    clock.Clock
	breakers *breakerRegistry
}

// NewExecutor builds an Executor with the given breaker settings; zero settings
// fall back to the defaults.
func NewExecutor(clk clock.Clock, settings BreakerSettings) *Executor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Executor{
		clock:    clk,
		breakers: newBreakerRegistry(clk, settings.withDefaults()),
	}
}

// Do executes fn under the resolved strategy. The breaker is consulted once
// before the first attempt and observes exactly one outcome for the whole retry
// loop, so five consecutively failed calls open the circuit regardless of how
// many attempts each burned.
func (e *Executor) Do(ctx context.Context, service, operation string, requested StrategyName, fn func(context.Context) error) error {
	strategy := StrategyFor(operation, requested)
	var br *breaker
	if strategy.Breaker {
		br = e.breakers.forOperation(service, operation)
		if !br.Allow() {
			metrics.CloudAPIErrors.WithLabelValues(service, operation, string(errors.KindCircuitOpen)).Inc()
			return errors.CircuitOpenf("circuit open for %s/%s", service, operation)
		}
	}
	start := e.clock.Now()
	err := retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(strategy.Attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Classify(service, operation, err).Retryable()
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return strategy.delayForAttempt(n + 1)
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.CloudAPIRetries.WithLabelValues(service, operation).Inc()
			log.FromContext(ctx).Debugw("retrying cloud call",
				"service", service, "operation", operation, "attempt", n+1, "error", err)
		}),
	)
	if br != nil {
		br.Record(err == nil)
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.CloudAPIDuration.WithLabelValues(service, operation, status).Observe(e.clock.Since(start).Seconds())
	if err != nil {
		classified := errors.Classify(service, operation, err)
		metrics.CloudAPIErrors.WithLabelValues(service, operation, string(classified.Kind)).Inc()
		return classified
	}
	return nil
}

// BreakerState exposes the current state for an operation, for health reporting.
func (e *Executor) BreakerState(service, operation string) State {
	return e.breakers.forOperation(service, operation).State()
}
